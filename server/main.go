/******************************************************************************
 *
 *  Description :
 *
 *    Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chitchat/chat/server/auth"
	"github.com/chitchat/chat/server/logs"
	"github.com/chitchat/chat/server/store"

	gh "github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"

	// Database backends.
	_ "github.com/chitchat/chat/server/db/mysql"
	_ "github.com/chitchat/chat/server/db/postgres"

	// Authenticators.
	_ "github.com/chitchat/chat/server/auth/token"
)

const (
	// currentVersion is the current API/protocol version.
	currentVersion = "0.4"

	// idleSessionTimeout is the time before a connection is closed when the
	// client is not responding to pings.
	idleSessionTimeout = time.Second * 55

	// defaultMaxMessageSize is the default maximum size of a client frame.
	defaultMaxMessageSize = 1 << 17 // 128K
)

// Large objects shared between all packages of the application.
var globals struct {
	// Topic router.
	hub Router
	// Live sessions keyed by session id.
	sessionStore *SessionStore
	// Substitutable serializer roles.
	serializers *Serializers
	// Credential resolver for incoming connections.
	authHandler auth.Handler

	// Maximum size of a message frame in bytes.
	maxMessageSize int64
	// Add X-Forwarded-For headers to sessions.
	useXForwardedFor bool

	// Strict-Transport-Security max age, if set.
	tlsStrictMaxAge string

	// Channel for stats updates, nil if stats are disabled.
	statsUpdate chan *varUpdate
}

type configType struct {
	// HTTP(S) address:port to listen on.
	Listen string `json:"listen"`
	// URL path for mounting the endpoints.
	ApiPath string `json:"api_path"`
	// URL path for exposing runtime stats.
	ExpvarPath string `json:"expvar"`
	// Take IP address of the client from the HTTP header 'X-Forwarded-For'.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Maximum size of a message frame in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Logging flags, comma-separated.
	LogFlags string `json:"log_flags"`

	// Configs for subsystems.
	Auth        map[string]json.RawMessage `json:"auth_config"`
	Store       json.RawMessage            `json:"store_config"`
	Serializers json.RawMessage            `json:"serializers"`
	TLS         json.RawMessage            `json:"tls"`
}

func main() {
	executable, _ := os.Executable()

	logs.Init(os.Stderr, "stdFlags")

	var configfile = flag.String("config", "chitchat.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	var expvarPath = flag.String("expvar", "", "Override the URL path where runtime stats are exposed. Use '-' to disable.")
	flag.Parse()

	curwd, err := os.Getwd()
	if err != nil {
		logs.Err.Fatal("Couldn't get current working directory: ", err)
	}

	*configfile = toAbsolutePath(curwd, *configfile)
	logs.Info.Printf("Server v%s:%s; pid %d; %d process(es)",
		currentVersion, executable, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if config.LogFlags != "" {
		logs.Init(os.Stderr, config.LogFlags)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}

	// Set up HTTP server. Must use non-default mux because of expvar.
	mux := http.NewServeMux()

	if *expvarPath != "" {
		config.ExpvarPath = *expvarPath
	}
	if config.ExpvarPath != "" && config.ExpvarPath != "-" {
		statsInit(mux, config.ExpvarPath)
		statsRegisterInt("IncomingMessagesWebsockTotal")
		statsRegisterInt("OutgoingMessagesWebsockTotal")
		logs.Info.Println("Stats available at", config.ExpvarPath)
	}

	// Initialize serialization pipeline before the store: custom roles may be
	// registered by imported packages.
	globals.serializers = newSerializers()
	if err := globals.serializers.Configure(config.Serializers); err != nil {
		logs.Err.Fatal("Failed to configure serializers: ", err)
	}

	workerId := 1
	if err := store.Store.Open(workerId, config.Store); err != nil {
		logs.Err.Fatal("Failed to connect to DB: ", err)
	}
	logs.Info.Println("DB adapter", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
		logs.Info.Println("All done, good bye")
	}()
	statsRegisterDbStats(store.Store.DbStats())

	// Authenticator. Only the token handler ships by default but the registry
	// accepts others.
	for name, jsconf := range config.Auth {
		authhdl := auth.GetHandler(name)
		if authhdl == nil {
			logs.Err.Fatal("Config provided for unknown authenticator '" + name + "'")
		}
		if err := authhdl.Init(jsconf, name); err != nil {
			logs.Err.Fatal("Failed to init authenticator '"+name+"':", err)
		}
		globals.authHandler = authhdl
	}
	if globals.authHandler == nil {
		logs.Err.Fatal("No authenticator configured")
	}

	globals.maxMessageSize = config.MaxMessageSize
	if globals.maxMessageSize <= 0 {
		globals.maxMessageSize = defaultMaxMessageSize
	}
	globals.useXForwardedFor = config.UseXForwardedFor

	globals.sessionStore = NewSessionStore()
	globals.hub = newHub()

	// Mount endpoints.
	apiPath := normalizeApiPath(config.ApiPath)

	mux.HandleFunc(apiPath+"channels", serveWebSocket)
	mux.HandleFunc(apiPath+"rooms", serveRooms)
	mux.HandleFunc(apiPath+"rooms/", serveRoomViewed)
	mux.HandleFunc("/", serve404)

	handler := gh.CombinedLoggingHandler(os.Stdout, gh.CompressHandler(hstsHandler(mux)))

	if err = listenAndServe(config.Listen, handler, config.TLS, signalHandler(*configfile)); err != nil {
		logs.Err.Fatal(err)
	}
}

// reloadSerializers re-reads the config file and re-applies the serializers
// section. All other config values require a restart.
func reloadSerializers(configfile string) error {
	file, err := os.Open(configfile)
	if err != nil {
		return err
	}
	defer file.Close()

	var config configType
	if err = json.NewDecoder(jcr.New(file)).Decode(&config); err != nil {
		return err
	}
	return globals.serializers.Configure(config.Serializers)
}

func normalizeApiPath(path string) string {
	if path == "" {
		path = "/v0/"
	} else {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
	}
	return path
}

// getAuthToken extracts the connection secret from the request: either the
// 'auth' form value or the X-Auth-Token header.
func getAuthToken(req *http.Request) string {
	if token := req.FormValue("auth"); token != "" {
		return token
	}
	return req.Header.Get("X-Auth-Token")
}

// authenticateRequest resolves request credentials into an identity. Returns
// nil if the request carries no token or the token is not valid.
func authenticateRequest(req *http.Request) *auth.Rec {
	token := getAuthToken(req)
	if token == "" {
		return nil
	}

	secret, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		logs.Warn.Println("auth: invalid base64 in token", err)
		return nil
	}

	rec, err := globals.authHandler.Authenticate(secret, req.RemoteAddr)
	if err != nil {
		logs.Warn.Println("auth: invalid token", err)
		return nil
	}
	return rec
}

// toAbsolutePath converts path to absolute if it's not absolute already.
func toAbsolutePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}
