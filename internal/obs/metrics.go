package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceivedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_frames_received_total", Help: "Frames decoded by channel"}, []string{"channel"})
	FramesSentTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_frames_sent_total", Help: "Frames written by channel"}, []string{"channel"})
	DispatchTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_dispatch_total", Help: "SNAC dispatch outcomes"}, []string{"result"})
	OutstandingRequests  = promauto.NewGauge(prometheus.GaugeOpts{Name: "oscar_outstanding_requests", Help: "SNAC requests awaiting a reply"})
	CachedCookies        = promauto.NewGauge(prometheus.GaugeOpts{Name: "oscar_cached_cookies", Help: "Rendezvous cookies awaiting a match"})
	SweptTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_swept_total", Help: "Entries aged out of a cache"}, []string{"cache"})
	CookieCollisionTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "oscar_cookie_collision_total", Help: "Cookie registrations that replaced a live entry"})
	OpenConnections      = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "oscar_open_connections", Help: "Live connections by kind"}, []string{"kind"})
	ClosedTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_connections_closed_total", Help: "Closed connections by reason"}, []string{"reason"})
	SendDeferredTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "oscar_send_deferred_total", Help: "Frames held in the send queue by rate limiting or short writes"})
	ErrorsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oscar_errors_total", Help: "Errors by type"}, []string{"type"})
)
