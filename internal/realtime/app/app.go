package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/spf13/viper"
	clientV3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/bus"
	rtconfig "tradepulse.com/internal/realtime/config"
	"tradepulse.com/internal/realtime/dispatch"
	rthttp "tradepulse.com/internal/realtime/http"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/ws"
	vipConfig "tradepulse.com/pkg/config"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/orm"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/register"
	"tradepulse.com/pkg/register/etcd"
	"tradepulse.com/pkg/trace"
	"tradepulse.com/pkg/xredis"
)

type App struct {
	cfg rtconfig.Settings

	reg      *registry.Registry
	rawBus   bus.Bus
	bus      *bus.Guard
	gate     *auth.Gate
	ws       *ws.Server
	disp     *dispatch.Dispatcher
	httpSrv  *http.Server
	connRate *ratelimit.Store
	httpRate *ratelimit.Store

	rdb           *redis.Client
	etcdClientV3  *clientV3.Client
	etcdReg       *etcd.EtcdRegister
	instance      *register.Instance
	traceShutdown func(context.Context) error

	addr    net.Addr
	started chan struct{}
}

// New 加载 config/{service}.yaml；文件变更只热更新日志级别
func New(service string) (*App, error) {
	var raw rtconfig.GatewayConfig
	if _, err := vipConfig.LoadAndWatch(service, &raw, func(v *viper.Viper) {
		logger.SetLevel(v.GetString("log.level"))
	}); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := rtconfig.Build(raw)
	if err != nil {
		return nil, err
	}
	logger.InitWithFile(s.Name, s.LogLevel, s.LogFile)
	return NewWithSettings(s)
}

// NewWithSettings 按配置连好外部依赖并组装各组件，不启动任何后台任务
func NewWithSettings(s rtconfig.Settings) (a *App, err error) {
	a = &App{cfg: s, started: make(chan struct{})}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	if s.OTel.Enabled {
		if a.traceShutdown, err = trace.InitTrace(s.Name, s.OTel.Exporter, s.OTel.Endpoint); err != nil {
			return nil, fmt.Errorf("init trace: %w", err)
		}
	}

	if s.Bus.Driver == "redis" || s.Revocation == "redis" {
		if a.rdb, err = xredis.NewRedis(&s.Redis); err != nil {
			return nil, err
		}
	}

	if err = a.initBus(); err != nil {
		return nil, err
	}
	if err = a.initGate(); err != nil {
		return nil, err
	}

	a.reg = registry.New(registry.WithMaxTopics(s.MaxTopics))
	if err = registerCollector(rtmetrics.NewCollector(a.reg)); err != nil {
		return nil, err
	}
	if err = registerCollector(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rt_auth_cache_entries",
		Help: "Validated tokens currently cached by the auth gate",
	}, func() float64 { return float64(a.gate.CacheLen()) })); err != nil {
		return nil, err
	}
	a.disp = dispatch.New(a.bus, a.reg, s.Dispatch)

	a.connRate = ratelimit.NewStore(rate.Limit(s.ConnRate.RPS), s.ConnRate.Burst, 10*time.Minute)
	a.httpRate = ratelimit.NewStore(rate.Limit(s.HTTP.RateLimit.RPS), s.HTTP.RateLimit.Burst, 10*time.Minute)
	a.ws = ws.NewServer(s.WS, a.reg, a.gate,
		ws.RequestID(),
		ws.OriginCheck(s.AllowedOrigins),
		ws.ConnRateLimit(a.connRate, s.Name),
		ws.Route(),
	)

	router := rthttp.NewRouter(rthttp.Deps{
		Service:     s.Name,
		WS:          a.ws,
		Publisher:   a.bus,
		Revoker:     a.gate,
		PublishKey:  s.HTTP.PublishKey,
		CORSOrigins: s.HTTP.CORSOrigins,
		RateLimit:   a.httpRate,
		Healthy:     a.disp.Connected,
	})
	a.httpSrv = rthttp.NewServer(s.HTTP.Addr, router)
	return a, nil
}

// registerCollector 同一进程里重复注册（测试里多次 New）不算错误
func registerCollector(c prometheus.Collector) error {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

func (a *App) initBus() error {
	s := a.cfg
	var kr *bus.Keyring
	if len(s.Bus.EncryptionKeys) > 0 {
		var err error
		if kr, err = bus.NewKeyring(s.Bus.EncryptionKeys); err != nil {
			return fmt.Errorf("bus keyring: %w", err)
		}
	}
	opts := s.BusOptions(kr)

	switch s.Bus.Driver {
	case "redis":
		a.rawBus = bus.NewRedisBus(a.rdb, opts)
	case "nats":
		nb, err := bus.NewNatsBus(s.Bus.NatsURL, opts, nats.Name(s.Name), nats.MaxReconnects(-1))
		if err != nil {
			return err
		}
		a.rawBus = nb
	default:
		a.rawBus = bus.NewMemBus(opts)
	}

	cbm := ratelimit.NewManager(ratelimit.Rule{
		Timeout:                 s.Bus.Breaker.Timeout,
		TripConsecutiveFailures: s.Bus.Breaker.ConsecutiveFailures,
	}, nil)
	cbm.OnStateChange(func(name string, from, to gobreaker.State) {
		metrics.SetBreakerState(s.Name, name, to.String())
		logger.Warn(context.Background(), "bus breaker state changed",
			zap.String("resource", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	a.bus = bus.NewGuard(a.rawBus, cbm, s.Name)
	return nil
}

func (a *App) initGate() error {
	s := a.cfg
	var dir auth.Directory
	switch s.Directory {
	case "mysql":
		db, err := orm.NewMySQL(&s.DB)
		if err != nil {
			return err
		}
		dir = auth.NewGormDirectory(db)
	default:
		dir = auth.NewMemDirectory(s.Users...)
	}

	var rev auth.Revocation
	switch s.Revocation {
	case "redis":
		rev = auth.NewRedisRevocation(a.rdb)
	case "memory":
		rev = auth.NewMemRevocation()
	}

	g, err := auth.NewGate(s.Auth, dir, rev)
	if err != nil {
		return err
	}
	a.gate = g
	return nil
}

// Run 阻塞到 ctx 结束或任一后台任务出错，然后按顺序优雅退出
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpSrv.Addr, err)
	}
	a.addr = ln.Addr()

	if a.cfg.Etcd.Enabled {
		if err := a.startEtcd(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	a.connRate.StartJanitor(gctx, time.Minute)
	a.httpRate.StartJanitor(gctx, time.Minute)

	g.Go(func() error { return a.disp.Run(gctx) })
	g.Go(func() error {
		logger.Info(gctx, "rt-gateway listening",
			zap.String("addr", a.addr.String()),
			zap.String("bus", a.cfg.Bus.Driver),
		)
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	close(a.started)

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

// Started Run 开始监听后可读
func (a *App) Started() <-chan struct{} { return a.started }

func (a *App) Addr() net.Addr { return a.addr }

func (a *App) startEtcd(ctx context.Context) error {
	cli, err := clientV3.New(clientV3.Config{
		Endpoints:   a.cfg.Etcd.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	a.etcdClientV3 = cli
	a.etcdReg = etcd.NewEtcdRegister(cli, a.cfg.Etcd.ServicePrefix, a.cfg.Etcd.TTL)
	addr := a.cfg.Etcd.AdvertiseAddr
	if addr == "" {
		addr = a.addr.String()
	}
	a.instance = &register.Instance{
		ID:   uuid.NewString(),
		Name: a.cfg.Name,
		Addr: addr,
		MetaData: map[string]string{
			"bus":      a.cfg.Bus.Driver,
			"protocol": "ws",
		},
	}
	if err := a.etcdReg.Register(ctx, a.instance); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

// shutdown 顺序：摘掉注册 -> 会话排空(1001) -> 停 HTTP -> 关 bus 和外部连接
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WS.DrainTimeout+2*time.Second)
	defer cancel()

	if a.etcdReg != nil {
		if err := a.etcdReg.UnRegister(ctx, a.instance); err != nil {
			logger.Warn(ctx, "etcd unregister failed", zap.Error(err))
		}
	}
	if err := a.ws.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "ws drain timed out, sessions force closed", zap.Error(err))
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "http shutdown", zap.Error(err))
	}
	a.closeResources(ctx)
	logger.Info(ctx, "rt-gateway stopped")
	logger.Sync()
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.rawBus != nil {
		_ = a.rawBus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.etcdClientV3 != nil {
		_ = a.etcdClientV3.Close()
	}
	if a.traceShutdown != nil {
		_ = a.traceShutdown(ctx)
	}
}
