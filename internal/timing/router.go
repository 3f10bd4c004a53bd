package timing

// RouterConfig holds the two disjoint device-id sets used to promote a pass
// to pit_in or pit_out. Any device id absent from both sets routes to track.
type RouterConfig struct {
	PitInDevices  []string
	PitOutDevices []string
}

// Router maps a pass's device id to a logical Source. It is pure: Route
// depends only on its static configuration and the pass's DeviceID.
type Router struct {
	pitIn  map[string]struct{}
	pitOut map[string]struct{}
}

// NewRouter builds a Router from cfg.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		pitIn:  make(map[string]struct{}, len(cfg.PitInDevices)),
		pitOut: make(map[string]struct{}, len(cfg.PitOutDevices)),
	}
	for _, id := range cfg.PitInDevices {
		r.pitIn[id] = struct{}{}
	}
	for _, id := range cfg.PitOutDevices {
		r.pitOut[id] = struct{}{}
	}
	return r
}

// Route returns p with Source set according to the device binding table.
// Passes with no device id, or an unrecognized one, are routed to track.
func (r *Router) Route(p Pass) Pass {
	if p.HasDevice {
		if _, ok := r.pitIn[p.DeviceID]; ok {
			p.Source = SourcePitIn
			return p
		}
		if _, ok := r.pitOut[p.DeviceID]; ok {
			p.Source = SourcePitOut
			return p
		}
	}
	p.Source = SourceTrack
	return p
}
