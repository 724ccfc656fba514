// Command fedgate-admin manages the gateway's account directory and
// provides feed tooling (sealing test payloads, publishing envelopes).
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/and161185/fedgate/internal/crypto"
	"github.com/and161185/fedgate/internal/datafeed"
	"github.com/and161185/fedgate/internal/pod"
	"github.com/and161185/fedgate/internal/repository/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `fedgate-admin
Usage:
  fedgate-admin [global flags] <cmd> [args]

Commands:
  version
  account add   --username <u> --user-id <id> --emp <emp> --fid <id> --key <pem|->
  account ls
  account show  --username <u> | --user-id <id> | --emp <emp> --fid <id>
  account rm    --username <u> | --user-id <id> | --emp <emp> --fid <id>
  check-auth    --username <u>                  (authenticates against the pod)
  seal          --key <hex> --rotation <n> [--pod <id>] --text <s>
  wrap          --type message|platform-event --file <inner.json|->
  publish       --file <envelope.json|->

Global flags (also FEDGATE_* env):
%s`, fs.FlagUsages())
	os.Exit(2)
}

func main() {
	fs := pflag.NewFlagSet("fedgate-admin", pflag.ExitOnError)
	fs.SetInterspersed(false)
	fs.String("dsn", "", "PostgreSQL DSN of the account directory")
	fs.String("pod-url", "", "pod base URL")
	fs.String("session-auth-url", "", "session authentication base URL (default pod-url)")
	fs.String("key-auth-url", "", "key manager authentication base URL (default pod-url)")
	fs.String("redis-addr", "localhost:6379", "Redis address of the feed stream")
	fs.String("stream", "fedgate:feed", "feed stream key")
	fs.Usage = func() { usage(fs) }
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("FEDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)

	if fs.NArg() < 1 {
		usage(fs)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := fs.Args()
	var err error
	switch args[0] {
	case "version":
		fmt.Printf("fedgate-admin %s (%s)\n", version, buildDate)
	case "account":
		err = runAccount(ctx, v, args[1:])
	case "check-auth":
		err = checkAuth(ctx, v, args[1:])
	case "seal":
		err = seal(args[1:])
	case "wrap":
		err = wrap(args[1:])
	case "publish":
		err = publish(ctx, v, args[1:])
	default:
		usage(fs)
	}
	if err != nil {
		fail(err)
	}
}

func openDirectory(ctx context.Context, v *viper.Viper) (*postgres.DB, error) {
	dsn := v.GetString("dsn")
	if dsn == "" {
		return nil, errors.New("--dsn (or FEDGATE_DSN) is required")
	}
	return postgres.New(ctx, dsn)
}

func runAccount(ctx context.Context, v *viper.Viper, args []string) error {
	if len(args) < 1 {
		return errors.New("account: need add, ls, show or rm")
	}
	db, err := openDirectory(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	c := &accountCmds{repo: postgres.NewAccountRepo(db), out: os.Stdout}
	switch args[0] {
	case "add":
		return c.add(ctx, args[1:])
	case "ls":
		return c.list(ctx, args[1:])
	case "show":
		return c.show(ctx, args[1:])
	case "rm":
		return c.remove(ctx, args[1:])
	default:
		return fmt.Errorf("account: unknown subcommand %q", args[0])
	}
}

func checkAuth(ctx context.Context, v *viper.Viper, args []string) error {
	fs := pflag.NewFlagSet("check-auth", pflag.ContinueOnError)
	username := fs.String("username", "", "pod username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, err := openDirectory(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := postgres.NewAccountRepo(db).GetByUsername(ctx, *username)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", *username, err)
	}
	podURL := v.GetString("pod-url")
	cfg := pod.Config{PodURL: podURL, SessionAuthURL: v.GetString("session-auth-url"), KeyAuthURL: v.GetString("key-auth-url")}
	if cfg.SessionAuthURL == "" {
		cfg.SessionAuthURL = podURL
	}
	if cfg.KeyAuthURL == "" {
		cfg.KeyAuthURL = podURL
	}
	s, err := pod.NewClient(cfg).Authenticate(ctx, a.Username, a.PrivateKeyPEM)
	if err != nil {
		return err
	}
	if s.UserID != a.SymphonyUserID {
		return fmt.Errorf("pod reports user id %d, directory has %d", s.UserID, a.SymphonyUserID)
	}
	fmt.Println("ok", s)
	return nil
}

func seal(args []string) error {
	fs := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	keyHex := fs.String("key", "", "content key, hex")
	rotation := fs.Int64("rotation", 0, "rotation id")
	podID := fs.Uint32("pod", 0, "pod id")
	text := fs.String("text", "", "plaintext")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	b, err := crypto.Seal(key, *podID, *rotation, []byte(*text))
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(b))
	return nil
}

func wrap(args []string) error {
	fs := pflag.NewFlagSet("wrap", pflag.ContinueOnError)
	typ := fs.String("type", datafeed.PayloadMessage, "payload type")
	file := fs.String("file", "-", "inner envelope JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := readAll(*file)
	if err != nil {
		return err
	}
	raw, err := wrapInner(*typ, b)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func publish(ctx context.Context, v *viper.Viper, args []string) error {
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	file := fs.String("file", "-", "envelope JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := readAll(*file)
	if err != nil {
		return err
	}
	if _, err := datafeed.ParseEnvelope(raw); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: v.GetString("redis-addr")})
	defer func() { _ = rdb.Close() }()
	id, err := datafeed.NewRedisStream(rdb, nil, datafeed.StreamConfig{Stream: v.GetString("stream")}, nil).Publish(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
