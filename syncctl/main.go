package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/pelletier/go-toml/v2"

	"golang.org/x/term"

	"bringyour.com/sync/statesync"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type syncCtlConfig struct {
	Url    string `toml:"url"`
	ApiUrl string `toml:"api_url"`
	Jwt    string `toml:"jwt"`
}

func defaultConfig() *syncCtlConfig {
	return &syncCtlConfig{
		Url:    "wss://hub.bringyour.com",
		ApiUrl: "https://api.bringyour.com",
	}
}

func main() {
	usage := `Sync control.

The default urls are:
    api_url: https://api.bringyour.com
    url: wss://hub.bringyour.com

Usage:
    syncctl login [--config=<config>] [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    syncctl snapshot [--config=<config>] [--url=<url>] [--jwt=<jwt>]
        --channel=<channel>
        [--session=<session_id>]
    syncctl tail [--config=<config>] [--url=<url>] [--jwt=<jwt>]
        --channel=<channel>
        [--session=<session_id>]
        [--message_count=<message_count>]
    syncctl session [--config=<config>] [--url=<url>] [--jwt=<jwt>]
        --session=<session_id>
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Toml config file with url, api_url, jwt.
    --api_url=<api_url>
    --url=<url>
    --jwt=<jwt>                      Your platform JWT.
    --channel=<channel>              Channel name.
    --session=<session_id>           Session scope.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if session_, _ := opts.Bool("session"); session_ {
		session(opts)
	}
}

func loadConfig(opts docopt.Opts) *syncCtlConfig {
	config := defaultConfig()

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			panic(err)
		}
		if err := toml.Unmarshal(configBytes, config); err != nil {
			panic(err)
		}
	}

	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Url = url
	}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		config.Jwt = jwt
	}

	return config
}

func newHub(config *syncCtlConfig) *statesync.PlatformHub {
	ctx := context.Background()
	auth := &statesync.HubAuth{
		ByJwt:      config.Jwt,
		InstanceId: statesync.NewId(),
		AppVersion: SyncCtlVersion,
	}
	return statesync.NewPlatformHubWithDefaults(ctx, config.Url, auth)
}

func scopeFromOpts(opts docopt.Opts) statesync.Scope {
	if sessionId, err := opts.String("--session"); err == nil && sessionId != "" {
		return statesync.SessionScope(sessionId)
	}
	return statesync.GlobalScope()
}

type loginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type loginResult struct {
	Network *loginResultNetwork `json:"network,omitempty"`
	Error   *loginResultError   `json:"error,omitempty"`
}

type loginResultNetwork struct {
	ByJwt string `json:"by_jwt,omitempty"`
}

type loginResultError struct {
	Message string `json:"message"`
}

func login(opts docopt.Opts) {
	config := loadConfig(opts)

	userAuth, err := opts.String("--user_auth")
	if err != nil {
		panic(err)
	}
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprintf(os.Stderr, "password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
	}

	args := &loginArgs{
		UserAuth: userAuth,
		Password: password,
	}
	argsBytes, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}

	url := fmt.Sprintf("%s/auth/login-with-password", config.ApiUrl)
	r, err := http.Post(url, "text/json", bytes.NewReader(argsBytes))
	if err != nil {
		panic(err)
	}
	defer r.Body.Close()

	resultBytes, err := io.ReadAll(r.Body)
	if err != nil {
		panic(err)
	}
	if http.StatusOK != r.StatusCode {
		Err.Fatalf("login error: %s", strings.TrimSpace(string(resultBytes)))
	}

	var result loginResult
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		panic(err)
	}
	if result.Error != nil {
		Err.Fatalf("login error: %s", result.Error.Message)
	}
	if result.Network == nil || result.Network.ByJwt == "" {
		Err.Fatalf("login error: no jwt in response")
	}
	Out.Printf("%s", result.Network.ByJwt)
}

func snapshot(opts docopt.Opts) {
	config := loadConfig(opts)
	channelName, err := opts.String("--channel")
	if err != nil {
		panic(err)
	}
	scope := scopeFromOpts(opts)

	hub := newHub(config)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := map[string]any{}
	if !scope.IsGlobal() {
		payload["sessionId"] = scope.SessionId
	}
	result, err := hub.Call(ctx, channelName, payload, statesync.GlobalScope())
	if err != nil {
		Err.Fatalf("snapshot error: %s", err)
	}
	Out.Printf("%s", string(result))
}

func messageCountFromOpts(opts docopt.Opts) int {
	if messageCountStr, err := opts.String("--message_count"); err == nil && messageCountStr != "" {
		messageCount, err := strconv.Atoi(messageCountStr)
		if err != nil {
			panic(err)
		}
		return messageCount
	}
	return -1
}

func tail(opts docopt.Opts) {
	config := loadConfig(opts)
	channelName, err := opts.String("--channel")
	if err != nil {
		panic(err)
	}
	scope := scopeFromOpts(opts)
	messageCount := messageCountFromOpts(opts)

	hub := newHub(config)
	defer hub.Close()

	ctx := context.Background()

	messages := make(chan string, 32)
	printEvent := func(name string) statesync.MessageFunction {
		return func(payload json.RawMessage) {
			messages <- fmt.Sprintf("[%s] %s", name, string(payload))
		}
	}

	unsub, err := hub.Subscribe(ctx, channelName, scope, printEvent(channelName))
	if err != nil {
		Err.Fatalf("subscribe error: %s", err)
	}
	defer unsub()

	deltaName := fmt.Sprintf("%s.delta", channelName)
	deltaUnsub, err := hub.Subscribe(ctx, deltaName, scope, printEvent(deltaName))
	if err != nil {
		Err.Fatalf("subscribe error: %s", err)
	}
	defer deltaUnsub()

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		Out.Printf("%s", <-messages)
	}
}

func session(opts docopt.Opts) {
	config := loadConfig(opts)
	sessionId, err := opts.String("--session")
	if err != nil {
		panic(err)
	}
	messageCount := messageCountFromOpts(opts)

	hub := newHub(config)
	defer hub.Close()

	ctx := context.Background()
	if err := hub.WaitForConnect(ctx); err != nil {
		Err.Fatalf("connect error: %s", err)
	}

	coordinator := statesync.NewCoordinatorWithDefaults(ctx, hub)
	defer coordinator.Close()

	coordinator.AddAlertCallback(func(err error) {
		Err.Printf("session alert: %s", err)
	})

	if err := coordinator.SelectSync(sessionId); err != nil {
		Err.Fatalf("session error: %s", err)
	}

	messages := make(chan statesync.SessionMessage, 32)
	seen := map[string]bool{}
	coordinator.MessageLogCell().Subscribe(func(messageLog []statesync.SessionMessage) {
		for i := len(messageLog) - 1; 0 <= i; i -= 1 {
			message := messageLog[i]
			if seen[message.MessageId] {
				continue
			}
			seen[message.MessageId] = true
			select {
			case messages <- message:
			default:
			}
		}
	})

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		message := <-messages
		Out.Printf("%s: %s", message.Role, message.Content)
	}
}
