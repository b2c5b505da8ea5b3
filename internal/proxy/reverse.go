package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/matst80/ira/internal/httpx"
	"github.com/matst80/ira/internal/obs"
)

// Reverse forwards plain HTTP requests to the upstream and copies the
// response back unchanged. Websocket upgrades belong to a Tunneler.
type Reverse struct {
	target Target
	rp     *httputil.ReverseProxy
}

func NewReverse(target Target, dialTimeout time.Duration) *Reverse {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ExpectContinueTimeout: time.Second,
	}
	p := &Reverse{target: target}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target.HTTP(pr.In.URL)
			pr.Out.Host = ""
			pr.SetXForwarded()
		},
		Transport:      transport,
		ModifyResponse: countResponse,
		ErrorHandler:   p.upstreamError,
	}
	return p
}

func (p *Reverse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if httpx.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade not proxied", http.StatusBadRequest)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func countResponse(res *http.Response) error {
	obs.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(res.StatusCode/100) + "xx").Inc()
	return nil
}

func (p *Reverse) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		// caller went away
		obs.Debug("proxy.cancelled", obs.Fields{"path": r.URL.Path, "err": err})
		return
	}
	err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	obs.Error("proxy.upstream", obs.Fields{"method": r.Method, "path": r.URL.Path, "upstream": p.target.String(), "err": err})
	obs.ErrorsTotal.WithLabelValues("proxy_upstream").Inc()
	obs.ProxyRequestsTotal.WithLabelValues("error").Inc()
	http.Error(w, err.Error(), http.StatusBadGateway)
}
