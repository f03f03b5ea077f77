// Package simulator serves a fake turnstile controller speaking the same CGI
// dialect as the real firmware. It backs the package tests and the sim command.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

const (
	sessionCookie = "SID"
	expiredPage   = "<html><body>Session expired, please log in</body></html>"
	indexPage     = "<html><head><title>PERCo</title></head><body>Turnstile web interface</body></html>"
	blockSize     = 256
)

// Device is an in-memory turnstile. All methods are safe for concurrent use.
type Device struct {
	username string
	password string

	mu        sync.Mutex
	slots     []model.CardSlot
	events    []string
	sessions  map[string]bool
	nextSID   int
	calls     map[string]int
	written   []string
	writeSeen int

	down          bool
	rejectCodes   map[string]bool
	expireAtWrite int
	corruptBackup bool
}

// New creates a Device that requires the given basic credentials. Empty
// username disables authentication.
func New(username, password string) *Device {
	return &Device{
		username:    username,
		password:    password,
		sessions:    make(map[string]bool),
		calls:       make(map[string]int),
		rejectCodes: make(map[string]bool),
	}
}

// SetSlots replaces the card memory.
func (d *Device) SetSlots(slots []model.CardSlot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = append([]model.CardSlot(nil), slots...)
}

// Slots returns a copy of the card memory.
func (d *Device) Slots() []model.CardSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.CardSlot(nil), d.slots...)
}

// AddEvent appends one line to the event history.
func (d *Device) AddEvent(seq int, at time.Time, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, fmt.Sprintf("%d\t%02X\t%s\t%s", seq, seq%256, at.Format(codec.EventTimeLayout), description))
}

// AddRawEvent appends a line verbatim, for firmware output the decoder does
// not know.
func (d *Device) AddRawEvent(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, line)
}

// SetDown makes every request fail with 503.
func (d *Device) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// RejectCode makes writes of code answer with a firmware error.
func (d *Device) RejectCode(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectCodes[code] = true
}

// ExpireSessionAtWrite drops all sessions when the nth card write (1-based)
// arrives. It fires once.
func (d *Device) ExpireSessionAtWrite(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireAtWrite = n
}

// CorruptBackup appends a truncated slot to the card memory dump.
func (d *Device) CorruptBackup(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corruptBackup = on
}

// ExpireSessions invalidates every open session.
func (d *Device) ExpireSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = make(map[string]bool)
}

// Calls returns how many requests reached path, whatever their outcome.
func (d *Device) Calls(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[path]
}

// TotalCalls returns the number of requests received.
func (d *Device) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// Written returns the card codes accepted by card_edit, in arrival order.
func (d *Device) Written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.written...)
}

// Seed fills card memory and history with generated data.
func (d *Device) Seed(cards, events int, now time.Time) {
	rng := rand.New(rand.NewSource(now.UnixNano()))
	slots := make([]model.CardSlot, 0, cards)
	for i := 0; i < cards; i++ {
		slots = append(slots, model.CardSlot{Index: i, Code: uint32(100000 + rng.Intn(900000)), Enabled: true})
	}
	d.SetSlots(slots)

	at := now.Add(-time.Duration(events) * 17 * time.Minute)
	for i := 1; i <= events; i++ {
		at = at.Add(17 * time.Minute)
		desc := "Card is not registered 999999"
		if len(slots) > 0 && rng.Intn(10) > 0 {
			verb := "Entry"
			if rng.Intn(2) == 0 {
				verb = "Exit"
			}
			desc = fmt.Sprintf("%s by card %d", verb, slots[rng.Intn(len(slots))].Code)
		}
		d.AddEvent(i, at, desc)
	}
}

// Handler returns the gin engine serving the CGI endpoints.
func (d *Device) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), d.count, d.availability)
	if d.username != "" {
		r.Use(gin.BasicAuth(gin.Accounts{d.username: d.password}))
	}

	r.GET("/", d.index)
	cgi := r.Group("/cgi", d.requireSession)
	cgi.GET("/card_get_list", d.cardList)
	cgi.GET("/card_edit", d.cardEdit)
	cgi.GET("/card_clear", d.cardClear)
	cgi.GET("/event_get", d.eventGet)
	return r
}

// Serve listens on addr until ctx is done.
func (d *Device) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (d *Device) count(c *gin.Context) {
	d.mu.Lock()
	d.calls[c.Request.URL.Path]++
	d.mu.Unlock()
	log.Debug().Str("path", c.Request.URL.Path).Str("query", c.Request.URL.RawQuery).Msg("sim request")
	c.Next()
}

func (d *Device) availability(c *gin.Context) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.Next()
}

func (d *Device) requireSession(c *gin.Context) {
	sid, err := c.Cookie(sessionCookie)
	d.mu.Lock()
	live := err == nil && d.sessions[sid]
	d.mu.Unlock()
	if !live {
		c.Abort()
		c.Data(http.StatusOK, "text/html", pad([]byte(expiredPage), 0x00))
		return
	}
	c.Next()
}

func (d *Device) index(c *gin.Context) {
	d.mu.Lock()
	d.nextSID++
	sid := fmt.Sprintf("%08x", d.nextSID)
	d.sessions[sid] = true
	d.mu.Unlock()

	c.SetCookie(sessionCookie, sid, 0, "/", "", false, true)
	c.Data(http.StatusOK, "text/html", []byte(indexPage))
}

func (d *Device) cardList(c *gin.Context) {
	d.mu.Lock()
	payload := codec.EncodeBackupPayload(d.slots)
	corrupt := d.corruptBackup
	d.mu.Unlock()

	if corrupt {
		// Drop the end marker and leave half a slot behind
		payload = append(payload[:len(payload)-codec.SlotSize], 0x01, 0x02, 0x03)
	} else {
		payload = pad(payload, 0xFF)
	}
	c.Data(http.StatusOK, "application/octet-stream", payload)
}

func (d *Device) cardEdit(c *gin.Context) {
	card, err := codec.DecodeCardWrite(c.Request.URL.Query())
	if err != nil {
		c.String(http.StatusOK, "ERROR: "+err.Error())
		return
	}
	code, err := codec.ValidateCode(card.Code)
	if err != nil {
		c.String(http.StatusOK, "ERROR: "+err.Error())
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeSeen++
	if d.expireAtWrite > 0 && d.writeSeen == d.expireAtWrite {
		d.expireAtWrite = 0
		d.sessions = make(map[string]bool)
		c.String(http.StatusOK, expiredPage)
		return
	}
	if d.rejectCodes[card.Code] {
		c.String(http.StatusOK, "ERROR: card write failed")
		return
	}

	d.written = append(d.written, card.Code)
	for i := range d.slots {
		if d.slots[i].Code == code {
			d.slots[i].Enabled = card.Active
			c.String(http.StatusOK, "OK")
			return
		}
	}
	d.slots = append(d.slots, model.CardSlot{Index: len(d.slots), Code: code, Enabled: card.Active})
	c.String(http.StatusOK, "OK")
}

func (d *Device) cardClear(c *gin.Context) {
	if c.Query(codec.ReqParam) != "0" {
		c.String(http.StatusOK, "ERROR: invalid request")
		return
	}
	d.mu.Lock()
	d.slots = nil
	d.mu.Unlock()
	c.String(http.StatusOK, "OK")
}

func (d *Device) eventGet(c *gin.Context) {
	count, err := requestedEvents(c.Query(codec.ReqParam))
	if err != nil {
		c.String(http.StatusOK, "ERROR: "+err.Error())
		return
	}

	d.mu.Lock()
	lines := d.events
	if count < len(lines) {
		lines = lines[len(lines)-count:]
	}
	body := strings.Join(lines, "\n")
	d.mu.Unlock()

	if body != "" {
		body += "\n"
	}
	c.Data(http.StatusOK, "text/plain", pad([]byte(body), 0x00))
}

// requestedEvents reads the record count, the third positional field, which
// the device expects negated.
func requestedEvents(req string) (int, error) {
	fields := strings.Split(req, ",")
	if len(fields) < 3 {
		return 0, fmt.Errorf("malformed event query %q", req)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(fields[2], "-"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad record count %q", fields[2])
	}
	return n, nil
}

// pad fills the payload up to the firmware block size.
func pad(b []byte, fill byte) []byte {
	for len(b)%blockSize != 0 {
		b = append(b, fill)
	}
	return b
}
