package debugapi

import (
	"net/http"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/util/network"
	"github.com/gnutd/gnutd/version"
	"github.com/gorilla/mux"
)

type roleCountsResponse struct {
	Normal               int `json:"normal"`
	LeafToUltrapeer      int `json:"leafToUltrapeer"`
	UltrapeerToUltrapeer int `json:"ultrapeerToUltrapeer"`
	UltrapeerToLeaf      int `json:"ultrapeerToLeaf"`
}

type hostsResponse struct {
	Ultrapeer    bool               `json:"ultrapeer"`
	LocalAddress string             `json:"localAddress,omitempty"`
	RoleCounts   roleCountsResponse `json:"roleCounts"`
	Hosts        []*host.StatsSnap  `json:"hosts"`
}

type connectResponse struct {
	Address string `json:"address"`
}

func statusHandler(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Version: version.Version(),
	})
}

func (s *Service) hostsHandler(w http.ResponseWriter, _ *http.Request) {
	counts := s.connections.RoleCounts()
	response := hostsResponse{
		Ultrapeer: s.connections.IsUltrapeer(),
		RoleCounts: roleCountsResponse{
			Normal:               counts.Normal,
			LeafToUltrapeer:      counts.LeafToUltrapeer,
			UltrapeerToUltrapeer: counts.UltrapeerToUltrapeer,
			UltrapeerToLeaf:      counts.UltrapeerToLeaf,
		},
		Hosts: []*host.StatsSnap{},
	}
	if local := s.connections.LocalAddress(); local != nil {
		response.LocalAddress = local.String()
	}
	for _, h := range s.connections.ConnectedHosts() {
		response.Hosts = append(response.Hosts, h.StatsSnapshot())
	}
	respond(w, http.StatusOK, response)
}

func (s *Service) caughtHostsHandler(w http.ResponseWriter, _ *http.Request) {
	stats := s.hostCache.Stats()
	if stats == nil {
		stats = &addressmanager.Stats{}
	}
	respond(w, http.StatusOK, stats)
}

func (s *Service) connectHandler(w http.ResponseWriter, r *http.Request) {
	address, err := s.requestAddress(r)
	if err != nil {
		log.Debugf("debug api: connect: %s", err)
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.connections.AddConnectionRequest(address, false)
	respond(w, http.StatusOK, connectResponse{Address: address})
}

func (s *Service) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	address, err := s.requestAddress(r)
	if err != nil {
		log.Debugf("debug api: disconnect: %s", err)
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.connections.RemoveConnectionRequest(address)
	respond(w, http.StatusOK, connectResponse{Address: address})
}

// requestAddress returns the literal ip:port address named by the request
// path, with the default port added when it is missing.
func (s *Service) requestAddress(r *http.Request) (string, error) {
	address, err := network.NormalizeAddress(mux.Vars(r)["address"], s.defaultPort)
	if err != nil {
		return "", err
	}
	_, _, err = network.ParseIPPort(address)
	if err != nil {
		return "", err
	}
	return address, nil
}
