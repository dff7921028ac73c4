package control

import (
	"context"

	"github.com/core-tools/hsu-autoshutdown/pkg/domain"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		grpcClient: grpcClientConnection,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient grpc.ClientConnInterface
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (domain.Status, error) {
	response := &structpb.Struct{}
	err := gw.grpcClient.Invoke(ctx, statusMethod, &emptypb.Empty{}, response)
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return domain.Status{}, err
	}
	gw.logger.Debugf("Status client gateway done")

	fields := response.GetFields()
	return domain.Status{
		State:    fields["state"].GetStringValue(),
		Activity: int(fields["activity"].GetNumberValue()),
		Timeout:  fields["timeout"].GetStringValue(),
	}, nil
}

func (gw *grpcClientGateway) Touch(ctx context.Context) error {
	err := gw.grpcClient.Invoke(ctx, touchMethod, &emptypb.Empty{}, &emptypb.Empty{})
	if err != nil {
		gw.logger.Errorf("Touch client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("Touch client gateway done")
	return nil
}
