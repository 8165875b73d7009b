// Package matrix implements the transport.Adapter interface against the
// Matrix client-server API (v3, plain HTTP, no E2E).
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type Config struct {
	HomeserverURL string
	UserID        string

	// LoginType is "password" or "token"; empty means "password".
	LoginType   string
	Password    string
	AccessToken string
	DeviceName  string

	// SyncTimeout is the server-side /sync long-poll timeout.
	SyncTimeout time.Duration

	// SendRatePerSec caps outgoing messages; 0 means a default of 5/s.
	SendRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	client  *resty.Client
	limiter *rate.Limiter

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	out atomic.Value // stores (chan<- transport.RoomMessage)

	// userID is the resolved @user:server id after login; may differ from
	// cfg.UserID in case (servers canonicalize).
	userID string

	// droppedMessages counts inbound messages dropped because the consumer
	// was slower than the sync loop. Logged periodically, not per message.
	droppedMessages uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.HomeserverURL) == "" {
		return nil, errors.New("homeserver url is empty")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("user id is empty")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.HomeserverURL, "/")).
		SetHeader("Content-Type", "application/json").
		// The long-poll timeout rides on top of the server-side one.
		SetTimeout(cfg.SyncTimeout + 30*time.Second)

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	var nilOut chan<- transport.RoomMessage
	a.out.Store(nilOut)
	return a, nil
}

type loginRequest struct {
	Type       string          `json:"type"`
	Identifier loginIdentifier `json:"identifier"`
	Password   string          `json:"password"`
	DeviceName string          `json:"initial_device_display_name,omitempty"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

type matrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func apiError(resp *resty.Response) error {
	var me matrixError
	if err := json.Unmarshal(resp.Body(), &me); err == nil && me.Code != "" {
		return fmt.Errorf("matrix %s: %s (http=%d)", me.Code, me.Message, resp.StatusCode())
	}
	return fmt.Errorf("matrix http=%d: %s", resp.StatusCode(), resp.String())
}

// login authenticates and pins the access token on the client. For token
// login the token is verified with /whoami so a bad config fails at startup
// rather than on the first send.
func (a *Adapter) login(ctx context.Context) error {
	switch a.cfg.LoginType {
	case "", "password":
		deviceName := a.cfg.DeviceName
		if deviceName == "" {
			deviceName = "remindbot"
		}
		req := loginRequest{
			Type:       "m.login.password",
			Identifier: loginIdentifier{Type: "m.id.user", User: a.cfg.UserID},
			Password:   a.cfg.Password,
			DeviceName: deviceName,
		}
		var out loginResponse
		resp, err := a.client.R().
			SetContext(ctx).
			SetBody(&req).
			SetResult(&out).
			Post("/_matrix/client/v3/login")
		if err != nil {
			return fmt.Errorf("login request: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return apiError(resp)
		}
		a.client.SetAuthToken(out.AccessToken)
		a.userID = out.UserID
		a.log.Info("logged in", logx.String("user", out.UserID), logx.String("device", out.DeviceID))
		return nil

	case "token":
		a.client.SetAuthToken(a.cfg.AccessToken)
		var out struct {
			UserID string `json:"user_id"`
		}
		resp, err := a.client.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/_matrix/client/v3/account/whoami")
		if err != nil {
			return fmt.Errorf("whoami request: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return apiError(resp)
		}
		a.userID = out.UserID
		a.log.Info("token verified", logx.String("user", out.UserID))
		return nil

	default:
		return fmt.Errorf("unsupported login type %q", a.cfg.LoginType)
	}
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]joinedRoom     `json:"join"`
		Invite map[string]map[string]any `json:"invite"`
	} `json:"rooms"`
}

type joinedRoom struct {
	Timeline struct {
		Events []roomEvent `json:"events"`
	} `json:"timeline"`
}

type roomEvent struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id"`
	Sender         string `json:"sender"`
	OriginServerTS int64  `json:"origin_server_ts"`
	Content        struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.RoomMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.runMu.Unlock()

	if err := a.login(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.runMu.Lock()
	a.running = true
	a.runCancel = cancel
	a.out.Store(out)
	a.runMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.syncLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dropReportLoop(runCtx, cap(out))
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.RoomMessage
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.log.Warn("matrix stop timed out waiting for sync loop")
		return nil
	}
}

// syncLoop long-polls /sync forever. Errors back off and retry; the loop
// only exits on context cancel.
func (a *Adapter) syncLoop(ctx context.Context) {
	a.log.Info("sync started")
	defer a.log.Info("sync stopped")

	const (
		backoffBase = 500 * time.Millisecond
		backoffMax  = 30 * time.Second
	)
	backoff := backoffBase

	// Events from before this moment predate the process; replying to them
	// now would fire stale commands.
	startTS := time.Now().UnixMilli()
	since := ""

	for {
		if ctx.Err() != nil {
			return
		}

		q := url.Values{}
		q.Set("timeout", fmt.Sprint(a.cfg.SyncTimeout.Milliseconds()))
		if since != "" {
			q.Set("since", since)
		}

		var sr syncResponse
		resp, err := a.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(q).
			SetResult(&sr).
			Get("/_matrix/client/v3/sync")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("sync failed", logx.Err(err), logx.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < backoffMax {
				backoff *= 2
			}
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			a.log.Warn("sync rejected", logx.Err(apiError(resp)), logx.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < backoffMax {
				backoff *= 2
			}
			continue
		}
		backoff = backoffBase
		since = sr.NextBatch

		for roomID := range sr.Rooms.Invite {
			a.joinRoom(ctx, roomID)
		}

		for roomID, room := range sr.Rooms.Join {
			for _, ev := range room.Timeline.Events {
				if ev.Type != "m.room.message" || ev.Content.MsgType != "m.text" {
					continue
				}
				if ev.Sender == a.userID {
					continue
				}
				if ev.OriginServerTS < startTS {
					continue
				}
				a.deliver(transport.RoomMessage{
					RoomID:   roomID,
					EventID:  ev.EventID,
					Sender:   ev.Sender,
					Body:     ev.Content.Body,
					ServerTS: ev.OriginServerTS,
				})
			}
		}
	}
}

func (a *Adapter) deliver(msg transport.RoomMessage) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.RoomMessage)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		atomic.AddUint64(&a.droppedMessages, 1)
	}
}

func (a *Adapter) dropReportLoop(ctx context.Context, chanCap int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	report := func() {
		if n := atomic.SwapUint64(&a.droppedMessages, 0); n > 0 {
			a.log.Warn("incoming messages dropped (channel full)",
				logx.Any("count", n), logx.Int("chan_cap", chanCap))
		}
	}
	for {
		select {
		case <-ctx.Done():
			report()
			return
		case <-ticker.C:
			report()
		}
	}
}

func (a *Adapter) joinRoom(ctx context.Context, roomID string) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{}).
		Post("/_matrix/client/v3/join/" + url.PathEscape(roomID))
	if err != nil {
		a.log.Warn("room join failed", logx.String("room", roomID), logx.Err(err))
		return
	}
	if resp.StatusCode() != http.StatusOK {
		a.log.Warn("room join rejected", logx.String("room", roomID), logx.Err(apiError(resp)))
		return
	}
	a.log.Info("joined room", logx.String("room", roomID))
}

type messageContent struct {
	MsgType  string    `json:"msgtype"`
	Body     string    `json:"body"`
	Mentions *mentions `json:"m.mentions,omitempty"`
}

type mentions struct {
	Room    bool     `json:"room,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// Send delivers a text notice to a room. Transaction IDs are fresh UUIDs;
// the server deduplicates retried PUTs by that id.
func (a *Adapter) Send(ctx context.Context, roomID, text string, mentionRoom bool, mentionUser string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	body := text
	content := messageContent{MsgType: "m.text", Body: body}
	switch {
	case mentionUser != "":
		content.Body = mentionUser + ": " + body
		content.Mentions = &mentions{UserIDs: []string{mentionUser}}
	case mentionRoom:
		// Older clients ignore m.mentions; keep a visible marker too.
		content.Body = "@room " + body
		content.Mentions = &mentions{Room: true}
	}

	txnID := uuid.NewString()
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(&content).
		Put("/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + txnID)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
