package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/config"
	"github.com/getlantern/topicstream/service/serviceimpl"
	"github.com/getlantern/topicstream/source/redissource"
	"github.com/getlantern/topicstream/telemetry"
	"github.com/getlantern/topicstream/web"
)

var (
	log = golog.LoggerFor("topicstream")
)

var (
	redisURLRegExp = regexp.MustCompile(`^redis(s?)://:(.+)?@([^\s]+)$`)
)

func parseRedisURL(redisURL string) (useHTTPS bool, password string, redisAddr string, err error) {
	matches := redisURLRegExp.FindStringSubmatch(redisURL)
	if len(matches) < 4 {
		return false, "", "", fmt.Errorf("should match %v", redisURLRegExp.String())
	}
	return matches[1] == "s", matches[2], matches[3], nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}

	stopTelemetry := telemetry.Start("topicstream")
	defer stopTelemetry()

	if cfg.PprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(cfg.PprofAddr, nil))
		}()
	}

	log.Debugf("Using web timeout of %v", cfg.WebTimeout)

	redisOpts, err := redisOptions(cfg)
	if err != nil {
		log.Fatal(err)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	src := redissource.New(client, &redissource.Opts{
		StreamKey: cfg.StreamKey,
		MaxLen:    cfg.StreamMaxLen,
	})

	srvc, err := serviceimpl.New(&serviceimpl.Opts{
		Source:         src,
		MatchCacheSize: cfg.MatchCacheSize,
	})
	if err != nil {
		log.Fatalf("unable to create service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go redissource.PeriodicallyTrimStreams(ctx, client, cfg.StreamKey, cfg.StreamMaxLen, cfg.StreamMaxAge, cfg.TrimInterval)

	h := web.NewHandler(srvc, &web.Opts{
		Prefetch:     cfg.Prefetch,
		WriteTimeout: cfg.WebTimeout,
	})

	// websocket connections are long-lived, so only the handshake is bounded by the web timeout
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h,
		ReadHeaderTimeout: cfg.WebTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Debugf("Listening on %v", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		log.Errorf("Stopped serving: %v", err)
	case <-ctx.Done():
		log.Debug("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srvc.Close(shutdownCtx); err != nil {
		log.Errorf("Unable to cleanly close subscriptions: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Unable to cleanly shut down web server: %v", err)
	}
	if err := src.Close(); err != nil {
		log.Errorf("Unable to close redis source: %v", err)
	}
	log.Debugf("Shut down with %d active connections", h.ActiveConnections())
}

func redisOptions(cfg *config.Config) (*redis.Options, error) {
	useTLS, redisPassword, redisAddr, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	log.Debugf("Connecting to redis at %v", redisAddr)

	var tlsConfig *tls.Config
	if !useTLS {
		log.Debug("WARNING: connecting to Redis without TLS")
	} else {
		log.Debug("Connecting to Redis with TLS")
		tlsConfig, err = redisTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
	}

	opTimeout := cfg.WebTimeout - 500*time.Millisecond
	return &redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		PoolSize:     cfg.RedisPoolSize,
		PoolTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		IdleTimeout:  opTimeout,
		DialTimeout:  opTimeout,
		TLSConfig:    tlsConfig,
	}, nil
}

func redisTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.RedisCAPEM == "" {
		return nil, fmt.Errorf("please specify a REDIS_CA_CERT")
	}
	if cfg.RedisClientCertPEM == "" {
		return nil, fmt.Errorf("please specify a REDIS_CLIENT_CERT")
	}
	if cfg.RedisClientKeyPEM == "" {
		return nil, fmt.Errorf("please specify a REDIS_CLIENT_KEY")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cleanPEMNewLines(cfg.RedisCAPEM)) {
		return nil, fmt.Errorf("unable to find any certs in REDIS_CA_CERT")
	}
	redisClientCert, err := tls.X509KeyPair(cleanPEMNewLines(cfg.RedisClientCertPEM), cleanPEMNewLines(cfg.RedisClientKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load Redis Client cert and key: %v", err)
	}

	return &tls.Config{
		RootCAs:            pool,
		Certificates:       []tls.Certificate{redisClientCert},
		ClientSessionCache: tls.NewLRUClientSessionCache(100),
	}, nil
}

func cleanPEMNewLines(pem string) []byte {
	return []byte(strings.Replace(pem, "\\n", "\n", -1))
}
