package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"autojudge/internal/common/auth"
	appErr "autojudge/pkg/errors"
)

type echoParams struct {
	Text string `json:"text"`
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	judge := NewRegistry()
	judge.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "bad params")
		}
		id, _ := IdentityFrom(ctx)
		return map[string]string{"text": p.Text, "role": id.Role}, nil
	})
	judge.Register("append", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, appErr.New(appErr.OffsetMismatch).WithDetail("current_offset", int64(42))
	})
	judge.Register("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("boom")
	})
	users := NewRegistry()
	users.Register("whoami", func(ctx context.Context, params json.RawMessage) (any, error) {
		id, _ := IdentityFrom(ctx)
		return id.Subject, nil
	})

	srv := NewServer(
		func(r *http.Request) (auth.Identity, error) {
			switch auth.BearerToken(r.Header.Get("Authorization")) {
			case "judge-token":
				return auth.Identity{Role: auth.RoleJudge, Subject: auth.RoleJudge}, nil
			case "user-token":
				return auth.Identity{Role: auth.RoleUser, Subject: "alice"}, nil
			}
			return auth.Identity{}, appErr.New(appErr.Unauthorized)
		},
		func(id auth.Identity) *Registry {
			if id.Role == auth.RoleJudge {
				return judge
			}
			return users
		},
		ServerConfig{},
	)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return hs, srv
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	hs, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(hs), DialOptions{Token: "judge-token"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	info, err := c.Session(ctx)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if info.Role != auth.RoleJudge || len(info.Tools) != 4 || info.Tools[0] != MethodToolsList {
		t.Fatalf("unexpected session: %+v", info)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]string
			if err := c.Call(ctx, "echo", echoParams{Text: "hi"}, &out); err != nil {
				t.Errorf("echo failed: %v", err)
				return
			}
			if out["text"] != "hi" || out["role"] != auth.RoleJudge {
				t.Errorf("unexpected echo result: %v", out)
			}
		}()
	}
	wg.Wait()

	var listed SessionInfo
	if err := c.Call(ctx, MethodToolsList, nil, &listed); err != nil || listed.SessionID != info.SessionID {
		t.Fatalf("tools.list mismatch: %+v %v", listed, err)
	}
}

func TestFaultsKeepCodeAndDetails(t *testing.T) {
	hs, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(hs), DialOptions{Token: "judge-token"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	err = c.Call(ctx, "append", nil, nil)
	if !appErr.Is(err, appErr.OffsetMismatch) {
		t.Fatalf("expected offset mismatch, got %v", err)
	}
	if off, ok := Int64Detail(err, "current_offset"); !ok || off != 42 {
		t.Fatalf("expected current offset 42, got %d %v", off, ok)
	}
	if err := c.Call(ctx, "missing", nil, nil); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := c.Call(ctx, "boom", nil, nil); !appErr.Is(err, appErr.InternalServerError) {
		t.Fatalf("expected internal error, got %v", err)
	}
	// The session survives a panicking handler.
	if err := c.Call(ctx, "echo", echoParams{Text: "still here"}, nil); err != nil {
		t.Fatalf("echo after panic failed: %v", err)
	}
}

func TestRoleSelectsTools(t *testing.T) {
	hs, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, wsURL(hs), DialOptions{Token: "nope"}); !appErr.Is(err, appErr.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	c, err := Dial(ctx, wsURL(hs), DialOptions{Token: "user-token"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()
	var subject string
	if err := c.Call(ctx, "whoami", nil, &subject); err != nil || subject != "alice" {
		t.Fatalf("unexpected whoami: %q %v", subject, err)
	}
	if err := c.Call(ctx, "echo", echoParams{}, nil); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("judge tool must be hidden from users, got %v", err)
	}
}

func TestServerCloseEndsClient(t *testing.T) {
	hs, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(hs), DialOptions{Token: "judge-token"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := c.Session(ctx); err != nil {
		t.Fatalf("session failed: %v", err)
	}
	srv.Close()
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatalf("client did not notice the closed session")
	}
	if err := c.Call(ctx, "echo", echoParams{}, nil); !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
