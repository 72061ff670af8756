// Package pprof exposes runtime profiles for a running chat session.
package pprof

import (
	"errors"
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
)

// Register mounts the /debug/pprof/ endpoints on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "block", "mutex", "threadcreate"} {
		mux.Handle("/debug/pprof/"+name, netpprof.Handler(name))
	}
}

// CPUProfile is a CPU profile being written to a file.
type CPUProfile struct {
	once sync.Once
	file *os.File
	err  error
}

// StartCPU starts CPU profiling into path.
func StartCPU(path string) (*CPUProfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for CPU profile: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	return &CPUProfile{file: f}, nil
}

// Stop ends profiling and closes the file. Only the first call has effect.
func (p *CPUProfile) Stop() error {
	if p == nil {
		return nil
	}
	p.once.Do(func() {
		pprof.StopCPUProfile()
		if err := p.file.Close(); err != nil {
			p.err = errors.Join(p.err, fmt.Errorf("failed to close CPU profile: %w", err))
		}
	})
	return p.err
}
