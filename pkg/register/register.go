package register

import "context"

// 注册中心的实例信息
type Instance struct {
	ID       string            `json:"id"`       // 节点唯一 id
	Name     string            `json:"name"`     // 服务名称 eg:"rt-gateway"
	Addr     string            `json:"addr"`     // 对外 ws 地址 ip:port
	MetaData map[string]string `json:"metadata"` // 一些其他信息（bus driver、版本）
}

type Register interface {
	Register(ctx context.Context, ins *Instance) error
	UnRegister(ctx context.Context, ins *Instance) error
}
