package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mblsha/webforge/internal/job"
)

// Receiver accepts build callbacks on a local listener so the CLI can wait
// for the outcome of a submission.
type Receiver struct {
	listener net.Listener
	server   *http.Server
	host     string
	results  chan job.Result
}

// Listen binds addr (for example ":0") and serves callbacks at /callback.
// host is the address the build service should use to reach this machine;
// empty means the listener's own address.
func Listen(addr, host string) (*Receiver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for callbacks: %w", err)
	}
	r := &Receiver{
		listener: ln,
		host:     host,
		results:  make(chan job.Result, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /callback", r.handle)
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = r.server.Serve(ln)
	}()
	return r, nil
}

func (r *Receiver) URL() string {
	tcp, ok := r.listener.Addr().(*net.TCPAddr)
	if !ok {
		return "http://" + r.listener.Addr().String() + "/callback"
	}
	host := r.host
	if host == "" {
		host = tcp.IP.String()
		if tcp.IP.IsUnspecified() {
			host = "127.0.0.1"
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port)) + "/callback"
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	var res job.Result
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&res); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !res.Status.Terminal() {
		http.Error(w, "non-terminal status", http.StatusUnprocessableEntity)
		return
	}
	select {
	case r.results <- res:
	default:
	}
	w.WriteHeader(http.StatusOK)
}

// Wait returns the first terminal result delivered to the receiver.
func (r *Receiver) Wait(ctx context.Context) (job.Result, error) {
	select {
	case res := <-r.results:
		return res, nil
	case <-ctx.Done():
		return job.Result{}, fmt.Errorf("wait for callback: %w", ctx.Err())
	}
}

func (r *Receiver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
