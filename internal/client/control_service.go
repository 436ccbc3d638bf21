package client

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service exposed by node agents
const ServiceName = "fleet.control.v1.NodeControl"

const (
	methodAddIdentity    = "/" + ServiceName + "/AddIdentity"
	methodRemoveIdentity = "/" + ServiceName + "/RemoveIdentity"
	methodListIdentities = "/" + ServiceName + "/ListIdentities"
	methodQueryStats     = "/" + ServiceName + "/QueryStats"
)

// AddIdentityRequest provisions one identity on an inbound
type AddIdentityRequest struct {
	Tag   string `json:"tag"`
	Token string `json:"token"`
	Label string `json:"label"`
	Flow  string `json:"flow,omitempty"`
	Level int    `json:"level"`
}

// RemoveIdentityRequest deprovisions the identity with Label from an inbound
type RemoveIdentityRequest struct {
	Tag   string `json:"tag"`
	Label string `json:"label"`
}

// ListIdentitiesRequest asks for the identities on an inbound. An empty tag
// is accepted by agents as a cheap liveness probe.
type ListIdentitiesRequest struct {
	Tag string `json:"tag"`
}

type IdentityRecord struct {
	Token string `json:"token"`
	Label string `json:"label"`
}

type ListIdentitiesResponse struct {
	Identities []IdentityRecord `json:"identities"`
}

// QueryStatsRequest selects counters whose name starts with Pattern
type QueryStatsRequest struct {
	Pattern string `json:"pattern"`
	Reset   bool   `json:"reset"`
}

// Stat is one named cumulative counter, e.g.
// "user>>>alice_3f2a9c1e@example.com>>>traffic>>>uplink".
type Stat struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type QueryStatsResponse struct {
	Stats []Stat `json:"stats"`
}

// Empty is returned by mutating calls
type Empty struct{}

// NodeControlServer is implemented by node agents (and test fakes)
type NodeControlServer interface {
	AddIdentity(context.Context, *AddIdentityRequest) (*Empty, error)
	RemoveIdentity(context.Context, *RemoveIdentityRequest) (*Empty, error)
	ListIdentities(context.Context, *ListIdentitiesRequest) (*ListIdentitiesResponse, error)
	QueryStats(context.Context, *QueryStatsRequest) (*QueryStatsResponse, error)
}

// ServerCodec returns the server option that matches the client codec
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

// RegisterNodeControlServer registers srv on s
func RegisterNodeControlServer(s *grpc.Server, srv NodeControlServer) {
	s.RegisterService(&nodeControlServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	name string,
	call func(NodeControlServer, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NodeControlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var nodeControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AddIdentity",
			Handler: unaryHandler(methodAddIdentity, func(s NodeControlServer, ctx context.Context, r *AddIdentityRequest) (*Empty, error) {
				return s.AddIdentity(ctx, r)
			}),
		},
		{
			MethodName: "RemoveIdentity",
			Handler: unaryHandler(methodRemoveIdentity, func(s NodeControlServer, ctx context.Context, r *RemoveIdentityRequest) (*Empty, error) {
				return s.RemoveIdentity(ctx, r)
			}),
		},
		{
			MethodName: "ListIdentities",
			Handler: unaryHandler(methodListIdentities, func(s NodeControlServer, ctx context.Context, r *ListIdentitiesRequest) (*ListIdentitiesResponse, error) {
				return s.ListIdentities(ctx, r)
			}),
		},
		{
			MethodName: "QueryStats",
			Handler: unaryHandler(methodQueryStats, func(s NodeControlServer, ctx context.Context, r *QueryStatsRequest) (*QueryStatsResponse, error) {
				return s.QueryStats(ctx, r)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/control/v1/node_control.proto",
}
