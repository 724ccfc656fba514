package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/pflag"

	"github.com/and161185/fedgate/internal/datafeed"
	"github.com/and161185/fedgate/internal/model"
	"github.com/and161185/fedgate/internal/repository"
)

// accountView is what the CLI prints. The private key never leaves the directory.
type accountView struct {
	ID              string    `json:"id"`
	SymphonyUserID  int64     `json:"symphonyUserId"`
	Username        string    `json:"username"`
	EMP             string    `json:"emp"`
	FederatedUserID string    `json:"federatedUserId"`
	HasKey          bool      `json:"hasKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

func viewOf(a *model.Account) accountView {
	return accountView{
		ID:              a.ID.String(),
		SymphonyUserID:  a.SymphonyUserID,
		Username:        a.Username,
		EMP:             a.EMP,
		FederatedUserID: a.FederatedUserID,
		HasKey:          len(a.PrivateKeyPEM) > 0,
		CreatedAt:       a.CreatedAt,
	}
}

type accountCmds struct {
	repo repository.AccountRepository
	out  io.Writer
}

func (c *accountCmds) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func (c *accountCmds) add(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("account add", pflag.ContinueOnError)
	username := fs.String("username", "", "pod username")
	userID := fs.Int64("user-id", 0, "numeric pod user id")
	emp := fs.String("emp", "", "external platform (e.g. WHATSAPP)")
	fid := fs.String("fid", "", "user id on the external platform")
	keyFile := fs.String("key", "", "RSA private key (PEM) used to authenticate, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *userID <= 0 || *emp == "" || *fid == "" || *keyFile == "" {
		return errors.New("need --username, --user-id, --emp, --fid and --key")
	}
	pem, err := readAll(*keyFile)
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	a := &model.Account{
		ID:              id,
		SymphonyUserID:  *userID,
		Username:        *username,
		FederatedUserID: *fid,
		EMP:             *emp,
		PrivateKeyPEM:   pem,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.repo.Create(ctx, a); err != nil {
		return fmt.Errorf("create %s: %w", *username, err)
	}
	return c.printJSON(viewOf(a))
}

func (c *accountCmds) list(ctx context.Context, _ []string) error {
	accounts, err := c.repo.List(ctx)
	if err != nil {
		return err
	}
	out := make([]accountView, 0, len(accounts))
	for i := range accounts {
		out = append(out, viewOf(&accounts[i]))
	}
	return c.printJSON(out)
}

// find resolves one account from --username, --user-id or --emp/--fid.
func (c *accountCmds) find(ctx context.Context, name string, args []string) (*model.Account, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	username := fs.String("username", "", "pod username")
	userID := fs.Int64("user-id", 0, "numeric pod user id")
	emp := fs.String("emp", "", "external platform")
	fid := fs.String("fid", "", "user id on the external platform")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch {
	case *username != "":
		return c.repo.GetByUsername(ctx, *username)
	case *userID > 0:
		return c.repo.GetBySymphonyID(ctx, *userID)
	case *emp != "" && *fid != "":
		return c.repo.GetByFederatedUserID(ctx, *emp, *fid)
	default:
		return nil, errors.New("need --username, --user-id or --emp with --fid")
	}
}

func (c *accountCmds) show(ctx context.Context, args []string) error {
	a, err := c.find(ctx, "account show", args)
	if err != nil {
		return err
	}
	return c.printJSON(viewOf(a))
}

func (c *accountCmds) remove(ctx context.Context, args []string) error {
	a, err := c.find(ctx, "account rm", args)
	if err != nil {
		return err
	}
	if err := c.repo.Delete(ctx, a.ID); err != nil {
		return fmt.Errorf("delete %s: %w", a.Username, err)
	}
	_, err = fmt.Fprintf(c.out, "deleted %s (%d)\n", a.Username, a.SymphonyUserID)
	return err
}

// wrapInner validates an inner envelope and wraps it for the feed.
func wrapInner(payloadType string, inner []byte) ([]byte, error) {
	if payloadType != datafeed.PayloadMessage && payloadType != datafeed.PayloadPlatformEvent {
		return nil, fmt.Errorf("unknown payload type %q", payloadType)
	}
	var in datafeed.Inner
	if err := json.Unmarshal(inner, &in); err != nil {
		return nil, fmt.Errorf("inner envelope: %w", err)
	}
	if len(in.Payload) == 0 {
		return nil, errors.New("inner envelope: empty payload")
	}
	return datafeed.NewEnvelope(payloadType, &in)
}
