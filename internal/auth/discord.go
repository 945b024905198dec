// Package auth はDiscordのOAuth2認可コードをユーザー情報に交換します
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/SteamVC/soundboard/internal/models"
	"golang.org/x/oauth2"
)

// ErrUpstreamExchange はIDプロバイダーとの通信に失敗したことを表します
var ErrUpstreamExchange = errors.New("identity provider exchange failed")

const (
	defaultAuthURL  = "https://discord.com/api/oauth2/authorize"
	defaultTokenURL = "https://discord.com/api/oauth2/token"
	defaultAPIBase  = "https://discord.com/api"
)

// Config はDiscord OAuth2の設定です
// エンドポイントが空の場合はDiscordの本番URLを使用します
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	HTTPClient   *http.Client
}

// Discord はDiscordのIDプロバイダーです
type Discord struct {
	oauth   *oauth2.Config
	apiBase string
	client  *http.Client
}

// NewDiscord は新しいDiscordを作成します
func NewDiscord(cfg Config) *Discord {
	authURL := orDefault(cfg.AuthURL, defaultAuthURL)
	tokenURL := orDefault(cfg.TokenURL, defaultTokenURL)
	return &Discord{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase: strings.TrimRight(orDefault(cfg.APIBaseURL, defaultAPIBase), "/"),
		client:  cfg.HTTPClient,
	}
}

// AuthCodeURL は認可画面へのURLを返します
func (d *Discord) AuthCodeURL(state string) string {
	return d.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

type discordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// Exchange は認可コードをアクセストークンに交換し、ユーザー情報を取得します
// 失敗した場合は ErrUpstreamExchange をラップしたエラーを返します
func (d *Discord) Exchange(ctx context.Context, code string) (models.Identity, error) {
	if d.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	}

	tok, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: token exchange: %v", ErrUpstreamExchange, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiBase+"/users/@me", nil)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: build user request: %v", ErrUpstreamExchange, err)
	}
	resp, err := d.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: fetch user: %v", ErrUpstreamExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Identity{}, fmt.Errorf("%w: fetch user: status %d: %s", ErrUpstreamExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u discordUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return models.Identity{}, fmt.Errorf("%w: decode user: %v", ErrUpstreamExchange, err)
	}
	if u.ID == "" {
		return models.Identity{}, fmt.Errorf("%w: user id missing", ErrUpstreamExchange)
	}
	return models.Identity{
		ID:            u.ID,
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
	}.Normalize(), nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
