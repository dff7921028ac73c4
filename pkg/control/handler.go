package control

import (
	"context"

	"github.com/core-tools/hsu-autoshutdown/pkg/domain"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&watchdogServiceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, err
	}
	response, err := structpb.NewStruct(map[string]any{
		"state":    status.State,
		"activity": status.Activity,
		"timeout":  status.Timeout,
	})
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("Status server handler done")
	return response, nil
}

func (h *grpcServerHandler) Touch(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.handler.Touch(ctx); err != nil {
		h.logger.Errorf("Touch server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("Touch server handler done")
	return &emptypb.Empty{}, nil
}
