// Package httpapi implements the device's HTTP interface: the upload page,
// URL submission, status and progress events, the reboot endpoint and the
// gokrazy-compatible update protocol used by otad push.
package httpapi

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/ota"
	"github.com/stofradar/ota/internal/otaerr"
	"github.com/stofradar/ota/internal/version"
)

// User is the basic auth user name of the device.
const User = "otad"

// UpdatePath is where the upload page lives.
const UpdatePath = "/update"

//go:embed update.html
var updatePage []byte

// Config configures a Server.
type Config struct {
	// Password protects all mutating endpoints if RequireAuth is set.
	Password    string
	RequireAuth bool

	// AllowUnauthenticatedReboot lets anyone GET /reboot.
	AllowUnauthenticatedReboot bool

	// RebootAfterUpload reboots into a successfully uploaded image.
	RebootAfterUpload bool

	// Metrics is served on /metrics if non-nil.
	Metrics http.Handler

	Logger *log.Logger
}

// Server is the device HTTP interface.
type Server struct {
	cfg    Config
	u      *ota.Updater
	events *Publisher
	log    *log.Logger
	router *mux.Router
}

// New returns a Server operating u. events must be one of u's observers.
func New(u *ota.Updater, events *Publisher, cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		u:      u,
		events: events,
		log:    cfg.Logger,
		router: mux.NewRouter(),
	}
	if s.log == nil {
		s.log = log.Default()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc(UpdatePath, s.handleUpdatePage).Methods("GET")
	r.HandleFunc(UpdatePath, s.authenticated(s.handleUpdateForm)).Methods("POST")
	r.HandleFunc(UpdatePath+"/status", s.handleStatus).Methods("GET")
	r.Handle(UpdatePath+"/events", s.events).Methods("GET")

	// gokrazy update protocol
	r.HandleFunc(UpdatePath+"/features", s.handleFeatures).Methods("GET")
	r.HandleFunc(UpdatePath+"/{dest:firmware|root}", s.authenticated(s.handleStream)).Methods("PUT")
	r.HandleFunc(UpdatePath+"/switch", s.authenticated(s.handleSwitch)).Methods("POST")
	r.HandleFunc("/reboot", s.authenticated(s.handleRebootPost)).Methods("POST")

	reboot := s.handleRebootGet
	if !s.cfg.AllowUnauthenticatedReboot {
		reboot = s.authenticated(reboot)
	}
	r.HandleFunc("/reboot", reboot).Methods("GET")

	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods("GET")
	}
	r.Handle("/", http.RedirectHandler(UpdatePath, http.StatusFound)).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticated(h http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.RequireAuth {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="otad"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// statusCode maps an update error to the HTTP status reported to clients.
func statusCode(err error) int {
	switch otaerr.KindOf(err) {
	case otaerr.DeviceBusy:
		return http.StatusConflict
	case otaerr.InsufficientSpace, otaerr.CapacityExceeded:
		return http.StatusRequestEntityTooLarge
	case otaerr.SourceUnavailable:
		return http.StatusBadGateway
	case otaerr.VerificationFailed:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, ota.ErrAborted) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	s.log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	http.Error(w, err.Error(), code)
}

// StatusReply is the body of GET /update/status.
type StatusReply struct {
	Session    ota.Status       `json:"session"`
	PendingURL string           `json:"pending_url,omitempty"`
	Boot       flash.BootRecord `json:"boot"`
	Running    flash.BootRecord `json:"running"`
	Free       int64            `json:"free"`
	Version    version.Info     `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev := s.u.Device()
	reply := StatusReply{
		Session: s.u.Status(),
		Boot:    dev.Boot(),
		Running: dev.Running(),
		Free:    dev.FreeSketchSpace(),
		Version: version.Read(),
	}
	reply.PendingURL, _ = s.u.Pending()
	b, err := json.MarshalIndent(&reply, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "updatehash")
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	// Committing already switched the boot target; confirm that it did.
	st := s.u.Status()
	if st.State != ota.Succeeded {
		http.Error(w, fmt.Sprintf("no committed update (last session %v)", st.State), http.StatusConflict)
		return
	}
	fmt.Fprintf(w, "next boot: slot %s\n", st.Boot.Slot)
}

func (s *Server) handleRebootPost(w http.ResponseWriter, r *http.Request) {
	if err := s.u.Reboot(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintln(w, "rebooting")
}

func (s *Server) handleRebootGet(w http.ResponseWriter, r *http.Request) {
	if err := s.u.Reboot(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, UpdatePath, http.StatusSeeOther)
}
