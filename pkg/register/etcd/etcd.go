package etcd

import (
	"context"
	"fmt"
	"github.com/segmentio/encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/register"
)

// EtcdRegister 用租约注册实例，进程挂掉后 key 随租约过期自动消失
type EtcdRegister struct {
	client   *clientv3.Client
	basePath string // 比如 "/tradepulse/services"
	ttl      int64  // 租约秒数
	leaseID  clientv3.LeaseID
}

func NewEtcdRegister(c *clientv3.Client, basePath string, ttl int64) *EtcdRegister {
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdRegister{
		client:   c,
		basePath: basePath,
		ttl:      ttl,
	}
}

func (e *EtcdRegister) key(ins *register.Instance) string {
	return fmt.Sprintf("%s/%s/%s", e.basePath, ins.Name, ins.ID)
}

func (e *EtcdRegister) Register(ctx context.Context, ins *register.Instance) error {
	grant, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	e.leaseID = grant.ID

	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	if _, err = e.client.Put(ctx, e.key(ins), string(val), clientv3.WithLease(e.leaseID)); err != nil {
		return fmt.Errorf("put instance: %w", err)
	}

	// 心跳：KeepAlive 的 channel 必须一直读，否则会堆积
	ch, err := e.client.KeepAlive(ctx, e.leaseID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go e.consumeKeepAlive(ctx, ch)
	return nil
}

func (e *EtcdRegister) UnRegister(ctx context.Context, ins *register.Instance) error {
	if _, err := e.client.Delete(ctx, e.key(ins)); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if _, err := e.client.Revoke(ctx, e.leaseID); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func (e *EtcdRegister) consumeKeepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				// 租约丢了：key 会过期，下次重启重新注册
				logger.Warn(ctx, "etcd keepalive channel closed", zap.Int64("lease_id", int64(e.leaseID)))
				return
			}
		}
	}
}
