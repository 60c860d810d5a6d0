package chatv1

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "chat.v1.ChatService"

const (
	ChatService_Register_FullMethodName          = "/chat.v1.ChatService/Register"
	ChatService_Login_FullMethodName             = "/chat.v1.ChatService/Login"
	ChatService_OpenConversation_FullMethodName  = "/chat.v1.ChatService/OpenConversation"
	ChatService_ListConversations_FullMethodName = "/chat.v1.ChatService/ListConversations"
	ChatService_GetHistory_FullMethodName        = "/chat.v1.ChatService/GetHistory"
	ChatService_Connect_FullMethodName           = "/chat.v1.ChatService/Connect"
)

// ChatService_ConnectServer is the server side of the live stream.
type ChatService_ConnectServer = grpc.BidiStreamingServer[ClientEvent, ServerEvent]

// ChatService_ConnectClient is the client side of the live stream.
type ChatService_ConnectClient = grpc.BidiStreamingClient[ClientEvent, ServerEvent]

// ChatServiceServer is implemented by the API server.
type ChatServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*OpenConversationResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
	Connect(ChatService_ConnectServer) error
}

// RegisterChatServiceServer registers srv on s.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ChatService_ServiceDesc, srv)
}

func unaryHandler[Req any, Res any](method string, call func(ChatServiceServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChatServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ChatServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChatServiceServer).Connect(&grpc.GenericServerStream[ClientEvent, ServerEvent]{ServerStream: stream})
}

// ChatService_ServiceDesc describes the chat service for grpc.Server.
var ChatService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(ChatService_Register_FullMethodName, ChatServiceServer.Register)},
		{MethodName: "Login", Handler: unaryHandler(ChatService_Login_FullMethodName, ChatServiceServer.Login)},
		{MethodName: "OpenConversation", Handler: unaryHandler(ChatService_OpenConversation_FullMethodName, ChatServiceServer.OpenConversation)},
		{MethodName: "ListConversations", Handler: unaryHandler(ChatService_ListConversations_FullMethodName, ChatServiceServer.ListConversations)},
		{MethodName: "GetHistory", Handler: unaryHandler(ChatService_GetHistory_FullMethodName, ChatServiceServer.GetHistory)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "chat/v1/chat.proto",
}

// ChatServiceClient is the client API for the chat service.
type ChatServiceClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error)
	OpenConversation(ctx context.Context, in *OpenConversationRequest, opts ...grpc.CallOption) (*OpenConversationResponse, error)
	ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error)
	GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error)
	Connect(ctx context.Context, opts ...grpc.CallOption) (ChatService_ConnectClient, error)
}

type chatServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewChatServiceClient returns a client that always speaks the json subtype.
func NewChatServiceClient(cc grpc.ClientConnInterface) ChatServiceClient {
	return &chatServiceClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *chatServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, ChatService_Register_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chatServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	out := new(LoginResponse)
	if err := c.cc.Invoke(ctx, ChatService_Login_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chatServiceClient) OpenConversation(ctx context.Context, in *OpenConversationRequest, opts ...grpc.CallOption) (*OpenConversationResponse, error) {
	out := new(OpenConversationResponse)
	if err := c.cc.Invoke(ctx, ChatService_OpenConversation_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chatServiceClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	out := new(ListConversationsResponse)
	if err := c.cc.Invoke(ctx, ChatService_ListConversations_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chatServiceClient) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error) {
	out := new(GetHistoryResponse)
	if err := c.cc.Invoke(ctx, ChatService_GetHistory_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chatServiceClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ChatService_ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ChatService_ServiceDesc.Streams[0], ChatService_Connect_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ClientEvent, ServerEvent]{ClientStream: stream}, nil
}
