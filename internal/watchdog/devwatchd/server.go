package devwatchd

import "net/http"

// Mux builds the HTTP surface a devwatchd process serves, wrapping
// every handler in the node's authenticator when one is configured.
func (n *Node) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		if n.cfg.Authenticator == nil {
			return h
		}
		return n.cfg.Authenticator.Middleware(h)
	}

	mux.HandleFunc("/cluster/status", wrap(n.HandleClusterStatus))
	mux.HandleFunc("/cluster/failover-start", wrap(n.HandleClusterFailoverStart))
	mux.HandleFunc("/raft/status", wrap(n.HandleRaftStatus))
	mux.HandleFunc("/raft/add-voter", wrap(n.HandleAddVoter))
	mux.HandleFunc("/raft/peers", wrap(n.HandleRaftPeers))
	return mux
}
