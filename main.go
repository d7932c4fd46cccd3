package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/media"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	eventMaxBytes   = 64 << 10
	shutdownTimeout = 5 * time.Second
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagStore    = flag.String("store", "bolt", "message store: bolt or mysql")
	flagBoltPath = flag.String("bolt-path", "minichat.db", "bolt store file")
	flagMysqlDsn = flag.String("mysql-dsn", "", "mysql server dsn, default from env MINICHAT_MYSQL_DSN")

	flagAuthMode  = flag.String("auth-mode", "jwt", "jwt, or mock to trust the `x-uid` cookie or header")
	flagJwtSecret = flag.String("jwt-secret", "", "token signing secret, default from env JWT_SECRET")
	flagTokenTTL  = flag.Duration("token-ttl", 7*24*time.Hour, "token lifetime")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, events are not published if empty")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic of message events")

	flagS3Bucket      = flag.String("s3-bucket", "", "image bucket, image upload is disabled if empty")
	flagS3Region      = flag.String("s3-region", "us-east-1", "image bucket region")
	flagS3Endpoint    = flag.String("s3-endpoint", "", "custom S3 compatible endpoint, e.g. MinIO")
	flagMaxImageBytes = flag.Int("max-image-bytes", 4<<20, "max decoded size of an uploaded image")

	flagRateLimit     = flag.Float64("rate-limit", 10, "API requests per second per user")
	flagRateBurst     = flag.Int("rate-burst", 20, "API request burst per user")
	flagAllowedOrigin = flag.String("allowed-origin", "*", "websocket allowed origin, * for any")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	// variables already in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore()
	if err != nil {
		return errorf("open store: %v", err)
	}

	var uploader media.Uploader = media.NopUploader{}
	if *flagS3Bucket != "" {
		s3, err := media.NewS3Uploader(ctx, media.S3Conf{
			Bucket:   *flagS3Bucket,
			Region:   *flagS3Region,
			Endpoint: *flagS3Endpoint,
		})
		if err != nil {
			_ = st.Close()
			return errorf("s3: %v", err)
		}
		uploader = s3
	}

	var publisher events.Publisher = events.NopPublisher{}
	if *flagKafkaBrokers != "" {
		publisher = events.NewKafkaPublisher(&events.KafkaConf{
			Brokers:  strings.Split(*flagKafkaBrokers, ","),
			Topic:    *flagKafkaTopic,
			MaxBytes: eventMaxBytes,
		})
	}

	authClient, issuer := newAuth()

	registry := presence.NewRegistry()
	wsConf := ws.DefaultConf()
	wsConf.AllowedOrigin = *flagAllowedOrigin
	hub := ws.NewHub(authClient, registry, wsConf)

	chatConf := chat.DefaultConf()
	chatConf.MaxImageBytes = *flagMaxImageBytes
	svc := chat.NewService(chatConf, st, ws.NewChannel(registry), registry, uploader, publisher)

	apiConf := api.DefaultConf()
	apiConf.RateLimit = *flagRateLimit
	apiConf.RateBurst = *flagRateBurst
	apiConf.DisableMetrics = *flagDisableMetrics

	httpServer := &http.Server{
		Addr:              *flagAddr,
		Handler:           api.NewServer(apiConf, svc, authClient, issuer, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrC := make(chan error, 1)
	go func() {
		glog.Infof("listening on %s", *flagAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrC <- err
		}
	}()

	glog.Infof("minichat server is started, store: %s, auth: %s", *flagStore, *flagAuthMode)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var (
		prof     *Profiler
		stopping bool
		code     int
	)
	stoppedC := make(chan struct{})

	stop := func() {
		if stopping {
			glog.Infof("minichat server is already in stop")
			return
		}
		stopping = true
		p := prof
		prof = nil
		go func() {
			defer close(stoppedC)
			if p != nil {
				p.Stop()
			}
			hub.Close()

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				glog.Errorf("http server shutdown: %v", err)
			}
			cancel()
			svc.Wait()
			if err := publisher.Close(); err != nil {
				glog.Errorf("close publisher: %v", err)
			}
			if err := st.Close(); err != nil {
				glog.Errorf("close store: %v", err)
			}
		}()
	}

	for {
		select {
		case err := <-serveErrC:
			glog.Errorf("http server: %v", err)
			code = 1
			stop()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if _, err := dumpGoroutines(pprofDir); err != nil {
					glog.Errorf("dump goroutines: %v", err)
				}
			case syscall.SIGUSR2:
				if stopping {
					continue
				}
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				stop()
			}
		case <-stoppedC:
			glog.Info("minichat server exited")
			return code
		}
	}
}

func openStore() (store.IStore, error) {
	switch *flagStore {
	case "mysql":
		dsn, err := store.MysqlDSN(*flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("--mysql-dsn: %w", err)
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error: %w", err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(10)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mysql ping: %w", err)
		}
		return store.NewMysqlStore(db), nil
	default:
		return store.OpenBoltStore(*flagBoltPath)
	}
}

func newAuth() (auth.Client, *auth.Issuer) {
	if *flagAuthMode == "mock" {
		glog.Warningf("auth mode mock: requests are trusted by `x-uid`, never use it in production")
		return &auth.MockClient{}, nil
	}
	secret := []byte(*flagJwtSecret)
	return auth.NewJWTClient(secret), auth.NewIssuer(secret, *flagTokenTTL)
}

// envDefault sets an empty flag from the environment.
func envDefault(p *string, key string) {
	if *p == "" {
		*p = os.Getenv(key)
	}
}

func validateFlags() int {
	envDefault(flagMysqlDsn, "MINICHAT_MYSQL_DSN")
	envDefault(flagJwtSecret, "JWT_SECRET")
	envDefault(flagKafkaBrokers, "MINICHAT_KAFKA_BROKERS")
	envDefault(flagS3Bucket, "MINICHAT_S3_BUCKET")

	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("invalid --store `%s`, expect bolt or mysql", *flagStore)
	}

	switch *flagAuthMode {
	case "jwt":
		if len(*flagJwtSecret) < 16 {
			return errorf("--jwt-secret is required, at least 16 bytes")
		}
		if *flagTokenTTL < time.Minute {
			return errorf("--token-ttl must be at least 1m")
		}
	case "mock":
	default:
		return errorf("invalid --auth-mode `%s`, expect jwt or mock", *flagAuthMode)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}
	if *flagS3Bucket != "" && *flagS3Region == "" {
		return errorf("--s3-region is required")
	}
	if *flagMaxImageBytes <= 0 {
		return errorf("--max-image-bytes must be positive")
	}
	if *flagRateLimit <= 0 || *flagRateBurst <= 0 {
		return errorf("--rate-limit and --rate-burst must be positive")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback, private or unspecified address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// see if we have a stale pid file here.
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
