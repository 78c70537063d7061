package debugapi

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Service) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	router.Path("/metrics").Handler(promhttp.InstrumentMetricHandler(
		s.metricsRegistry,
		promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}),
	))

	router.Handle("/debug/pprof", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := r.URL
		u.Path += "/"
		http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
	}))
	router.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	router.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	router.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	router.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	router.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))

	router.Handle("/health", http.HandlerFunc(statusHandler)).Methods(http.MethodGet)

	router.Handle("/hosts", http.HandlerFunc(s.hostsHandler)).Methods(http.MethodGet)
	router.Handle("/connect/{address}", http.HandlerFunc(s.connectHandler)).Methods(http.MethodPost)
	router.Handle("/connect/{address}", http.HandlerFunc(s.disconnectHandler)).Methods(http.MethodDelete)

	router.Handle("/caughthosts", http.HandlerFunc(s.caughtHostsHandler)).Methods(http.MethodGet)

	return router
}
