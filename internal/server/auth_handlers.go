package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges a username and password, given as Basic credentials
// or a JSON body, for a Bearer token.
func (r *Router) handleLogin(c *gin.Context) {
	var req loginRequest
	if user, pass, ok := c.Request.BasicAuth(); ok {
		req = loginRequest{Username: user, Password: pass}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "expected Basic credentials or a JSON body with username and password"})
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		r.log.Warn("api login failed", "user", req.Username, "remote", c.ClientIP())
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	r.log.Info("api login", "user", req.Username)
	writeJSON(c, http.StatusOK, tok)
}
