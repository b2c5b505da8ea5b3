package bridge

import "time"

// SessionInfo describes one attached browser.
type SessionInfo struct {
	Token     string    `json:"token"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
}

// Stats represents current bridge state for dashboards & API.
type Stats struct {
	Upstream string        `json:"upstream"`
	Sessions int           `json:"sessions"`
	Pending  int           `json:"pending"`
	Tunnels  int           `json:"tunnels"`
	Uptime   string        `json:"uptime"`
	Tokens   []SessionInfo `json:"tokens"`
	Now      string        `json:"now"`
}

func (s *Server) Stats() Stats {
	all := s.registry.All()
	infos := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		infos = append(infos, SessionInfo{Token: sess.Token, Remote: sess.Conn.RemoteAddr(), Connected: sess.Connected})
	}
	return Stats{
		Upstream: s.target.String(),
		Sessions: len(all),
		Pending:  s.rpc.Len(),
		Tunnels:  s.tunnels.Len(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Tokens:   infos,
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (st Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Upstream": st.Upstream,
		"Sessions": st.Sessions,
		"Pending":  st.Pending,
		"Tunnels":  st.Tunnels,
		"Tokens":   st.Tokens,
	}
}
