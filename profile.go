package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// profile is one kind of data the Profiler collects into its own file.
type profile struct {
	kind  string
	start func(w io.Writer) error
	stop  func(w io.Writer)
}

func lookupWriter(name string, stop func()) func(w io.Writer) {
	return func(w io.Writer) {
		if p := pprof.Lookup(name); p != nil {
			_ = p.WriteTo(w, 0)
		}
		if stop != nil {
			stop()
		}
	}
}

func profiles() []*profile {
	oldMemRate := runtime.MemProfileRate
	return []*profile{
		{
			kind:  "cpu",
			start: pprof.StartCPUProfile,
			stop:  func(io.Writer) { pprof.StopCPUProfile() },
		},
		{
			kind:  "mem",
			start: func(io.Writer) error { runtime.MemProfileRate = memProfileRate; return nil },
			stop:  lookupWriter("heap", func() { runtime.MemProfileRate = oldMemRate }),
		},
		{
			kind:  "mutex",
			start: func(io.Writer) error { runtime.SetMutexProfileFraction(1); return nil },
			stop:  lookupWriter("mutex", func() { runtime.SetMutexProfileFraction(0) }),
		},
		{
			kind:  "block",
			start: func(io.Writer) error { runtime.SetBlockProfileRate(1); return nil },
			stop:  lookupWriter("block", func() { runtime.SetBlockProfileRate(0) }),
		},
		{
			kind:  "threadcreate",
			start: func(io.Writer) error { return nil },
			stop:  lookupWriter("threadcreate", nil),
		},
		{
			kind:  "trace",
			start: trace.Start,
			stop:  func(io.Writer) { trace.Stop() },
		},
	}
}

// Profiler writes runtime profiles to dataDir between StartProfiler and Stop.
type Profiler struct {
	dataDir string
	once    sync.Once
	closers []func()
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	for _, v := range profiles() {
		p.start(v)
	}
	return p
}

func (p *Profiler) start(v *profile) {
	fn := dumpFile(p.dataDir, v.kind, "pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: create %s profile %q: %v", v.kind, fn, err)
		return
	}
	if err := v.start(f); err != nil {
		glog.Errorf("pprof: start %s profile: %v", v.kind, err)
		_ = f.Close()
		return
	}

	glog.Infof("pprof: %s profiling enabled, %s", v.kind, fn)
	p.closers = append(p.closers, func() {
		v.stop(f)
		_ = f.Close()
		glog.Infof("pprof: %s profiling disabled, %s", v.kind, fn)
	})
}

// Stop flushes and closes the profiles, once.
func (p *Profiler) Stop() {
	p.once.Do(func() {
		for _, closer := range p.closers {
			closer()
		}
	})
}

func dumpFile(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}

// dumpGoroutines writes the stacks of all goroutines and returns the file name.
func dumpGoroutines(dir string) (string, error) {
	fn := dumpFile(dir, "goroutines", "dump")
	f, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		return "", err
	}
	glog.Infof("goroutines dumped to %s", fn)
	return fn, nil
}
