package bridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matst80/ira/internal/httpx"
	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/proto"
	"github.com/matst80/ira/internal/rpc"
	"github.com/matst80/ira/internal/web"
)

// handleFrontend serves the remote page, or attaches the control channel
// when the same URL is requested as a websocket.
func (s *Server) handleFrontend(c *gin.Context) {
	if httpx.IsWebSocketUpgrade(c.Request) {
		s.acceptor.Serve(c.Writer, c.Request)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	if err := web.Frontend(c.Writer, s.opts.Prefix); err != nil {
		obs.ErrorsTotal.WithLabelValues("frontend_render").Inc()
	}
}

func (s *Server) handleToken(c *gin.Context) {
	if tok, ok := s.Token(); ok {
		c.JSON(http.StatusOK, proto.TokenResponse{ExitCode: 0, Token: tok})
		return
	}
	c.JSON(http.StatusOK, proto.TokenResponse{ExitCode: 1, Token: ""})
}

func (s *Server) handleRPC(c *gin.Context) {
	token := c.Param("token")
	cmd, err := proto.ParseCommand(c.PostForm(proto.FormField))
	if err != nil {
		c.JSON(http.StatusBadRequest, proto.Failure{ExitCode: 1, Error: err.Error()})
		return
	}
	result, err := s.Dispatch(c.Request.Context(), token, cmd)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// caller hung up; nobody to answer
			c.Abort()
			return
		}
		c.JSON(rpcStatus(err), proto.Failure{ExitCode: 1, Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(result))
}

// rpcStatus maps dispatch failures to HTTP status. An unknown token is still
// a well-formed answer, so it stays 200 with a non-zero exit code.
func rpcStatus(err error) int {
	switch {
	case errors.Is(err, rpc.ErrSessionNotFound):
		return http.StatusOK
	case errors.Is(err, rpc.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrSessionClosed):
		return http.StatusBadGateway
	case errors.Is(err, rpc.ErrRequestInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatic(c *gin.Context) {
	s.assets.Serve(c.Writer, c.Request, c.Param("path"))
}

// handleUpstream forwards anything the bridge does not own.
func (s *Server) handleUpstream(c *gin.Context) {
	if httpx.IsWebSocketUpgrade(c.Request) {
		s.tunnels.Open(c.Writer, c.Request)
		return
	}
	s.reverse.ServeHTTP(c.Writer, c.Request)
}
