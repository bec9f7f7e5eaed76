package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote/caldav"
	"github.com/sekia-ai/calhub/internal/remote/gcal"
)

type stubCreds map[string]any

func (s stubCreds) GetUsable(_ context.Context, id string) (model.Credential, error) {
	switch v := s[id].(type) {
	case model.Credential:
		return v, nil
	case error:
		return nil, v
	}
	return nil, model.NotFound("account", id)
}

func TestConnectPicksBackend(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "at"}
	creds := stubCreds{
		"dav":       model.BasicCredential{Username: "u", Password: "p"},
		"google":    model.OAuthCredential{Token: tok},
		"oauth-dav": model.OAuthCredential{Token: tok},
		"revoked":   model.ErrNeedsReauth,
	}
	c := New(creds, Config{}, zerolog.Nop())
	ctx := context.Background()

	client, err := c.Connect(ctx, &model.Account{ID: "dav", ServerURL: "https://dav.example.com/"})
	if _, ok := client.(*caldav.Client); err != nil || !ok {
		t.Errorf("basic account -> %T, %v; want *caldav.Client", client, err)
	}

	client, err = c.Connect(ctx, &model.Account{ID: "google"})
	if _, ok := client.(*gcal.Client); err != nil || !ok {
		t.Errorf("oauth account -> %T, %v; want *gcal.Client", client, err)
	}

	client, err = c.Connect(ctx, &model.Account{ID: "oauth-dav", ServerURL: "https://apidata.example.com/caldav/v2/"})
	if _, ok := client.(*caldav.Client); err != nil || !ok {
		t.Errorf("oauth account with server URL -> %T, %v; want *caldav.Client", client, err)
	}

	if _, err := c.Connect(ctx, &model.Account{ID: "revoked"}); !errors.Is(err, model.ErrNeedsReauth) {
		t.Errorf("revoked account = %v, want ErrNeedsReauth", err)
	}
}

func TestConnectBadServerURL(t *testing.T) {
	c := New(stubCreds{"dav": model.BasicCredential{Username: "u", Password: "p"}}, Config{}, zerolog.Nop())
	_, err := c.Connect(context.Background(), &model.Account{ID: "dav", ServerURL: "ftp://nope"})
	if !errors.Is(err, model.ErrMissingConfig) {
		t.Errorf("err = %v, want ErrMissingConfig", err)
	}
}
