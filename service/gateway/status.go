package gateway

// Status is a point-in-time view of the gateway.
type Status struct {
	AdapterType       string `json:"adapterType"`
	BackendConnected  bool   `json:"backendConnected"`
	ActiveConnections int    `json:"activeConnections"`
	MaxConnections    int    `json:"maxConnections"`
}

func (g *Gateway) Status() Status {
	a := g.Adapter()
	return Status{
		AdapterType:       string(a.Kind()),
		BackendConnected:  a.Connected(),
		ActiveConnections: g.registry.Size(),
		MaxConnections:    g.opts.MaxConnections,
	}
}
