package holepunch

import (
	"context"
	"net"
	"sync"
	"time"
)

// HolePuncher drives one or more concurrent TCP simultaneous-open attempts
// from the shared local endpoint, each in its own goroutine, and collects
// their outcomes into drainable success/fail sets (spec.md §4.5). It is
// grounded on original_source/holepuncher.py's hole_punchers/fails/successes
// trio, with the lock-protected drain + unlocked dial replaced by Go's
// goroutine-per-attempt model.
type HolePuncher struct {
	localEndpoint Endpoint
	family        Family
	metrics       *Metrics

	mu        sync.Mutex
	inFlight  map[Endpoint]context.CancelFunc
	fails     map[Endpoint]struct{}
	successes []net.Conn
}

// NewHolePuncher creates a HolePuncher that dials out from localEndpoint.
func NewHolePuncher(localEndpoint Endpoint, family Family, metrics *Metrics) *HolePuncher {
	return &HolePuncher{
		localEndpoint: localEndpoint,
		family:        family,
		metrics:       metrics,
		inFlight:      make(map[Endpoint]context.CancelFunc),
		fails:         make(map[Endpoint]struct{}),
	}
}

// HolePunch starts a connect attempt toward endpoint unless one is already
// in flight for it. A previously recorded (and not yet drained) failure for
// the same endpoint is cleared, matching the original's "retry clears the
// old fail record" behavior. If timeout <= 0 the spec's default of 10s
// applies (spec.md §4.5); a positive timeout overrides it.
func (h *HolePuncher) HolePunch(endpoint Endpoint, timeout time.Duration) {
	h.mu.Lock()
	if _, already := h.inFlight[endpoint]; already {
		h.mu.Unlock()
		return
	}
	delete(h.fails, endpoint)

	if timeout <= 0 {
		timeout = defaultHolePunchTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h.inFlight[endpoint] = cancel
	h.mu.Unlock()

	go h.attempt(ctx, cancel, endpoint)
}

// RemoveHolePuncher cancels an in-flight attempt toward endpoint (if any)
// and clears any undrained fail record for it — used when a caller gives up
// on an endpoint before it resolves on its own.
func (h *HolePuncher) RemoveHolePuncher(endpoint Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.inFlight[endpoint]; ok {
		cancel()
		delete(h.inFlight, endpoint)
	}
	delete(h.fails, endpoint)
}

func (h *HolePuncher) attempt(ctx context.Context, cancel context.CancelFunc, endpoint Endpoint) {
	defer cancel()
	started := time.Now()

	dialer := net.Dialer{
		Control:   reusePortControl(h.family),
		LocalAddr: localTCPAddr(h.localEndpoint),
	}
	conn, err := dialer.DialContext(ctx, h.family.netTCPFamily(), endpoint.String())
	if err != nil {
		h.onFail(endpoint, started)
		return
	}
	h.onSuccess(endpoint, conn, started)
}

func (h *HolePuncher) onSuccess(endpoint Endpoint, conn net.Conn, started time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inFlight[endpoint]; !ok {
		// Removed or superseded while the dial was in flight.
		conn.Close()
		return
	}
	delete(h.inFlight, endpoint)
	h.successes = append(h.successes, conn)
	if h.metrics != nil {
		h.metrics.HolePunchTotal.WithLabelValues("success").Inc()
		h.metrics.HolePunchDurationSeconds.WithLabelValues("success").Observe(time.Since(started).Seconds())
	}
}

func (h *HolePuncher) onFail(endpoint Endpoint, started time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inFlight[endpoint]; !ok {
		return
	}
	delete(h.inFlight, endpoint)
	h.fails[endpoint] = struct{}{}
	if h.metrics != nil {
		h.metrics.HolePunchTotal.WithLabelValues("fail").Inc()
		h.metrics.HolePunchDurationSeconds.WithLabelValues("fail").Observe(time.Since(started).Seconds())
	}
}

// TakeSuccesses returns and clears the sockets of every attempt that has
// connected since the last call.
func (h *HolePuncher) TakeSuccesses() []net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.successes
	h.successes = nil
	return out
}

// TakeFails returns and clears every endpoint whose attempt has failed
// since the last call.
func (h *HolePuncher) TakeFails() []Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Endpoint, 0, len(h.fails))
	for ep := range h.fails {
		out = append(out, ep)
	}
	h.fails = make(map[Endpoint]struct{})
	return out
}

// Clear cancels every in-flight attempt, closes every undrained successful
// socket, and clears the fail set. Used on HolePuncher shutdown.
func (h *HolePuncher) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for endpoint, cancel := range h.inFlight {
		cancel()
		delete(h.inFlight, endpoint)
	}
	for _, conn := range h.successes {
		conn.Close()
	}
	h.successes = nil
	h.fails = make(map[Endpoint]struct{})
}

func localTCPAddr(ep Endpoint) *net.TCPAddr {
	if !ep.IsValid() {
		return nil
	}
	return &net.TCPAddr{IP: net.IP(ep.Addr.AsSlice()), Port: int(ep.Port)}
}
