package messaging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphAPI is a fake Send API recording request bodies.
type graphAPI struct {
	mu       sync.Mutex
	requests []sendRequest
	paths    []string
	auth     []string
	statuses []int
}

func (g *graphAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req sendRequest
	_ = json.Unmarshal(body, &req)

	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.paths = append(g.paths, r.URL.String())
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	status := http.StatusOK
	if len(g.statuses) > 0 {
		status = g.statuses[0]
		g.statuses = g.statuses[1:]
	}
	g.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"recipient_id":"1","message_id":"m"}`))
}

func newMessenger(t *testing.T, g *graphAPI) *MessengerService {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	svc, err := NewMessengerService(
		WithPageAccessToken("page-token"),
		WithGraphAPIBaseURL(srv.URL),
		WithRetry(DefaultSendAttempts, time.Millisecond),
	)
	require.NoError(t, err)
	return svc
}

func TestNewMessengerService_RequiresToken(t *testing.T) {
	_, err := NewMessengerService()
	assert.Error(t, err)
}

func TestMessengerService_SendMessage(t *testing.T) {
	g := &graphAPI{}
	svc := newMessenger(t, g)

	reply := models.Reply{
		Text:         "Pick one",
		QuickReplies: []models.QuickReply{{Title: "Ask a question", Payload: "ASK_QUESTION"}},
	}
	require.NoError(t, svc.SendMessage(context.Background(), "psid-1", reply))

	require.Len(t, g.requests, 1)
	req := g.requests[0]
	assert.Equal(t, "psid-1", req.Recipient.ID)
	assert.Equal(t, "RESPONSE", req.MessagingType)
	require.NotNil(t, req.Message)
	assert.Equal(t, "Pick one", req.Message.Text)
	assert.Equal(t, []sendQuickReply{{ContentType: "text", Title: "Ask a question", Payload: "ASK_QUESTION"}}, req.Message.QuickReplies)
	assert.Equal(t, "/v19.0/me/messages", g.paths[0])
	assert.Equal(t, "Bearer page-token", g.auth[0])
}

func TestMessengerService_TransportErrorOmitsToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	svc, err := NewMessengerService(
		WithPageAccessToken("EAAG-SECRET-PAGE-TOKEN"),
		WithGraphAPIBaseURL(srv.URL),
		WithRetry(1, time.Millisecond),
	)
	require.NoError(t, err)

	err = svc.SendMessage(context.Background(), "psid-1", models.TextReply("hi"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "EAAG-SECRET-PAGE-TOKEN")
	assert.Contains(t, err.Error(), "send request failed")
}

func TestMessengerService_SplitsLongReplies(t *testing.T) {
	g := &graphAPI{}
	svc := newMessenger(t, g)

	long := strings.Repeat("lorem ipsum ", 400)
	reply := models.Reply{Text: long, QuickReplies: []models.QuickReply{{Title: "More", Payload: "MORE"}}}
	require.NoError(t, svc.SendMessage(context.Background(), "psid-1", reply))

	require.Len(t, g.requests, 3)
	for i, req := range g.requests {
		assert.LessOrEqual(t, len([]rune(req.Message.Text)), MessengerTextLimit)
		if i < len(g.requests)-1 {
			assert.Empty(t, req.Message.QuickReplies, "quick replies belong on the last part")
		}
	}
	assert.Len(t, g.requests[2].Message.QuickReplies, 1)
}

func TestMessengerService_RetriesTransientFailures(t *testing.T) {
	g := &graphAPI{statuses: []int{http.StatusInternalServerError, http.StatusTooManyRequests}}
	svc := newMessenger(t, g)

	require.NoError(t, svc.SendMessage(context.Background(), "psid-1", models.TextReply("hi")))
	assert.Len(t, g.requests, 3)
}

func TestMessengerService_GivesUpAfterMaxAttempts(t *testing.T) {
	g := &graphAPI{statuses: []int{502, 502, 502, 502}}
	svc := newMessenger(t, g)

	err := svc.SendMessage(context.Background(), "psid-1", models.TextReply("hi"))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 502, sendErr.StatusCode)
	assert.Len(t, g.requests, DefaultSendAttempts)
}

func TestMessengerService_ClientErrorIsNotRetried(t *testing.T) {
	g := &graphAPI{statuses: []int{http.StatusBadRequest}}
	svc := newMessenger(t, g)

	err := svc.SendMessage(context.Background(), "psid-1", models.TextReply("hi"))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Temporary())
	assert.Len(t, g.requests, 1)
}

func TestMessengerService_TypingIndicator(t *testing.T) {
	g := &graphAPI{}
	svc := newMessenger(t, g)

	require.NoError(t, svc.SendTypingIndicator(context.Background(), "psid-1", true))
	require.NoError(t, svc.SendTypingIndicator(context.Background(), "psid-1", false))

	require.Len(t, g.requests, 2)
	assert.Equal(t, "typing_on", g.requests[0].SenderAction)
	assert.Equal(t, "typing_off", g.requests[1].SenderAction)
	assert.Nil(t, g.requests[0].Message)
}

func TestMessengerService_Validation(t *testing.T) {
	svc := newMessenger(t, &graphAPI{})
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "", models.TextReply("x")), ErrEmptyRecipient)
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "psid", models.TextReply("  ")), ErrEmptyReply)
}

func TestMessengerQuickReplies_Limits(t *testing.T) {
	var options []models.QuickReply
	for i := 0; i < 20; i++ {
		options = append(options, models.QuickReply{Title: "A very long quick reply title", Payload: "P"})
	}
	out := messengerQuickReplies(options)
	assert.Len(t, out, maxQuickReplies)
	assert.Len(t, []rune(out[0].Title), maxQuickReplyTitle)
}
