package simulator

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

func serve(t *testing.T, r *gin.Engine, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine) *http.Cookie {
	t.Helper()
	w := serve(t, r, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestDevice_RequiresSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := New("admin", "secret")
	r := d.Handler()

	w := serve(t, r, "/cgi/card_get_list", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Session expired")

	cookie := login(t, r)
	w = serve(t, r, "/cgi/card_get_list", cookie)
	assert.NotContains(t, w.Body.String(), "Session expired")

	d.ExpireSessions()
	w = serve(t, r, "/cgi/card_get_list", cookie)
	assert.Contains(t, w.Body.String(), "Session expired")
	assert.Zero(t, w.Body.Len()%blockSize)
}

func TestDevice_BasicAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := New("admin", "other").Handler()

	w := serve(t, r, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDevice_CardWriteAndBackup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := New("admin", "secret")
	d.SetSlots([]model.CardSlot{{Code: 1337, Enabled: false}})
	r := d.Handler()
	cookie := login(t, r)

	for _, code := range []string{"1337", "42"} {
		params, err := codec.EncodeCardWrite(model.CardRecord{Code: code, Active: true})
		require.NoError(t, err)
		w := serve(t, r, "/cgi/card_edit?"+params.Encode(), cookie)
		assert.Equal(t, "OK", w.Body.String())
	}
	assert.Equal(t, []string{"1337", "42"}, d.Written())

	w := serve(t, r, "/cgi/card_get_list", cookie)
	assert.Zero(t, w.Body.Len()%blockSize)

	backup, err := codec.DecodeBackupPayload(w.Body.Bytes(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []model.CardSlot{
		{Index: 0, Code: 1337, Enabled: true},
		{Index: 1, Code: 42, Enabled: true},
	}, backup.Slots)
}

func TestDevice_Faults(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("rejected code", func(t *testing.T) {
		d := New("admin", "secret")
		d.RejectCode("7")
		r := d.Handler()
		w := serve(t, r, "/cgi/card_edit?req=1%2B1%2B7", login(t, r))
		assert.Contains(t, w.Body.String(), "ERROR")
		assert.Empty(t, d.Written())
	})

	t.Run("expire at write", func(t *testing.T) {
		d := New("admin", "secret")
		d.ExpireSessionAtWrite(2)
		r := d.Handler()
		cookie := login(t, r)

		assert.Equal(t, "OK", serve(t, r, "/cgi/card_edit?req=1%2B1%2B1", cookie).Body.String())
		assert.Contains(t, serve(t, r, "/cgi/card_edit?req=1%2B1%2B2", cookie).Body.String(), "Session expired")

		cookie = login(t, r)
		assert.Equal(t, "OK", serve(t, r, "/cgi/card_edit?req=1%2B1%2B2", cookie).Body.String())
		assert.Equal(t, []string{"1", "2"}, d.Written())
	})

	t.Run("down", func(t *testing.T) {
		d := New("admin", "secret")
		d.SetDown(true)
		w := serve(t, d.Handler(), "/", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 1, d.Calls("/"))
	})

	t.Run("corrupt backup", func(t *testing.T) {
		d := New("admin", "secret")
		d.SetSlots([]model.CardSlot{{Code: 5, Enabled: true}})
		d.CorruptBackup(true)
		r := d.Handler()
		w := serve(t, r, "/cgi/card_get_list", login(t, r))
		_, err := codec.DecodeBackupPayload(w.Body.Bytes(), time.Now())
		require.Error(t, err)
	})
}

func TestDevice_EventGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := New("admin", "secret")
	at := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		d.AddEvent(i, at.Add(time.Duration(i)*time.Minute), "Entry by card 42")
	}
	r := d.Handler()
	cookie := login(t, r)

	params, err := codec.EncodeEventQuery(3, "en")
	require.NoError(t, err)
	w := serve(t, r, "/cgi/event_get?"+params.Encode(), cookie)

	entries, err := codec.DecodeLogPayload(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[0].Seq)
	assert.Equal(t, "5", entries[2].Seq)
	assert.Equal(t, model.EventEntry, entries[0].Kind)
	assert.Equal(t, "42", entries[0].Credential)

	w = serve(t, r, "/cgi/event_get?req=bogus", cookie)
	assert.Contains(t, w.Body.String(), "ERROR")
}

func TestDevice_Seed(t *testing.T) {
	d := New("", "")
	d.Seed(10, 25, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	assert.Len(t, d.Slots(), 10)

	gin.SetMode(gin.TestMode)
	r := d.Handler()
	cookie := login(t, r)
	params, err := codec.EncodeEventQuery(100, "en")
	require.NoError(t, err)
	entries, err := codec.DecodeLogPayload(serve(t, r, "/cgi/event_get?"+params.Encode(), cookie).Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, entries, 25)
}
