package api

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
)

// H is a JSON response body.
type H map[string]interface{}

type Conf struct {
	// Requests per second and burst, per authenticated user.
	RateLimit float64
	RateBurst int

	// Request bodies larger than this are rejected.
	MaxBodyBytes int64

	DisableMetrics bool
}

func DefaultConf() *Conf {
	return &Conf{
		RateLimit:    10,
		RateBurst:    20,
		MaxBodyBytes: 8 << 20,
	}
}

// Server is the HTTP surface: the JSON API, the websocket endpoint and operations endpoints.
type Server struct {
	conf       *Conf
	svc        *chat.Service
	authClient auth.Client
	// nil when tokens are not used, see auth.MockClient.
	issuer *auth.Issuer
	router *mux.Router
}

func NewServer(conf *Conf, svc *chat.Service, authClient auth.Client, issuer *auth.Issuer, ws http.Handler) *Server {
	s := &Server{
		conf:       conf,
		svc:        svc,
		authClient: authClient,
		issuer:     issuer,
		router:     mux.NewRouter(),
	}

	r := s.router
	r.Use(recoverMiddleware, countMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if !conf.DisableMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	}
	if ws != nil {
		r.Handle("/ws", ws)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/signup", s.signup).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)

	private := api.NewRoute().Subrouter()
	private.Use(authMiddleware(authClient, newLimiterPool(conf.RateLimit, conf.RateBurst)))

	private.HandleFunc("/auth/check", s.checkAuth).Methods(http.MethodGet)
	private.HandleFunc("/auth/update-profile", s.updateProfile).Methods(http.MethodPut)

	private.HandleFunc("/users/search", s.searchUsers).Methods(http.MethodGet)
	private.HandleFunc("/users/add", s.addContact).Methods(http.MethodPost)
	private.HandleFunc("/users/contacts", s.contacts).Methods(http.MethodGet)

	private.HandleFunc("/messages/users", s.sidebar).Methods(http.MethodGet)
	private.HandleFunc("/messages/mark/{id}", s.markSeen).Methods(http.MethodPut)
	private.HandleFunc("/messages/send/{id}", s.send).Methods(http.MethodPost)
	private.HandleFunc("/messages/{id}", s.conversation).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Errorf("write response: %v", err)
	}
}

func ok(w http.ResponseWriter, body H) {
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

// fail reports a failed operation. Domain failures are still 200.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if chat.KindOf(err) == chat.KindInternal {
		glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		glog.V(5).Infof("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, http.StatusOK, H{"success": false, "message": chat.Message(err)})
}

// decode reads a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.conf.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		glog.V(5).Infof("%s %s: bad body: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, H{"success": false, "message": "Invalid request body"})
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	ok(w, H{})
}
