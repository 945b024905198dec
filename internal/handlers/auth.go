package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/SteamVC/soundboard/internal/auth"
	"github.com/SteamVC/soundboard/internal/idgen"
	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/session"
)

const (
	stateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

// IdentityProvider は認可コードをユーザー情報に交換します（auth.Discord が実装）
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (models.Identity, error)
}

// TokenSigner はセッショントークンを発行・検証します（session.Service が実装）
type TokenSigner interface {
	Sign(user models.Identity) (string, error)
	Verify(token string) (session.Session, bool)
}

// AuthHandler はログイン・コールバック・セッション確認を処理するハンドラー
type AuthHandler struct {
	provider     IdentityProvider
	sessions     TokenSigner
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler は新しいAuthHandlerを作成します
func NewAuthHandler(p IdentityProvider, s TokenSigner, secureCookie bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		provider:     p,
		sessions:     s,
		secureCookie: secureCookie,
		logger:       logging.OrDefault(logger).With("component", "auth"),
	}
}

// callbackPage はポップアップから親ウィンドウへトークンを渡すページです
var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html>
  <body style="background:#0b0d11;color:#f7f7f7;font-family:Arial;padding:24px;">
    <h2>Discord login complete</h2>
    <p>You can close this window.</p>
    <script>
      (function() {
        const payload = {{.}};
        if (window.opener) {
          window.opener.postMessage(payload, '*');
          window.close();
        } else {
          const pre = document.createElement('pre');
          pre.textContent = JSON.stringify(payload);
          document.body.appendChild(pre);
        }
      })();
    </script>
  </body>
</html>
`))

var messagePage = template.Must(template.New("message").Parse(`<!doctype html>
<html><body><p>{{.}}</p></body></html>
`))

type callbackPayload struct {
	Token string          `json:"token"`
	User  models.Identity `json:"user"`
}

type sessionResponse struct {
	OK   bool            `json:"ok"`
	User models.Identity `json:"user"`
}

// Login はstateをCookieに保存してIDプロバイダーの認可画面へリダイレクトします
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := idgen.NewULID()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// Callback は認可コードを交換してセッショントークンを発行します
// 処理の流れ:
// 1. error パラメータ・code・state の確認（不正なら400）
// 2. IDプロバイダーとの交換（失敗したら502）
// 3. トークンを署名し、親ウィンドウへ渡すページを返す
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		renderMessage(w, http.StatusBadRequest, "Discord login failed: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		renderMessage(w, http.StatusBadRequest, "Missing authorization code.")
		return
	}
	var want string
	if c, err := r.Cookie(stateCookieName); err == nil {
		want = c.Value
	}
	if err := validateState(q.Get("state"), want); err != nil {
		renderMessage(w, http.StatusBadRequest, "Invalid login state, please try again.")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/auth", MaxAge: -1, HttpOnly: true, Secure: h.secureCookie})

	user, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		logger.Warn("identity exchange failed", "error", err, "upstream", errors.Is(err, auth.ErrUpstreamExchange))
		renderMessage(w, http.StatusBadGateway, "Error during Discord login.")
		return
	}

	token, err := h.sessions.Sign(user)
	if err != nil {
		logger.Error("failed to sign session", "error", err)
		renderMessage(w, http.StatusInternalServerError, "Error during Discord login.")
		return
	}
	logger.Info("user signed in", "user_id", user.ID)

	payload, err := json.Marshal(callbackPayload{Token: token, User: user.Normalize()})
	if err != nil {
		renderMessage(w, http.StatusInternalServerError, "Error during Discord login.")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := callbackPage.Execute(w, template.JS(payload)); err != nil {
		logger.Warn("failed to render callback page", "error", err)
	}
}

// Session はトークンを検証してユーザー情報を返します
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.Verify(bearerToken(r))
	if !ok {
		respondError(w, http.StatusUnauthorized, "Invalid session")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{OK: true, User: sess.User.Normalize()})
}

func renderMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	messagePage.Execute(w, msg)
}
