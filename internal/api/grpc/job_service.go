package grpc

import (
	"context"
	"errors"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// JobServiceName полное имя сервиса
const JobServiceName = "ledger.v1.JobService"

// SubmitJobRequest запрос на запуск задачи
type SubmitJobRequest struct {
	AccountID        string `json:"account_id"`
	JobID            string `json:"job_id,omitempty"`
	EstimatedCredits int64  `json:"estimated_credits"`
}

// CompleteJobRequest завершение задачи
type CompleteJobRequest struct {
	JobID           string `json:"job_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// FailJobRequest отказ задачи
type FailJobRequest struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// GetJobRequest запрос задачи
type GetJobRequest struct {
	JobID string `json:"job_id"`
}

// JobResponse задача; InsufficientFunds означает отказ при завершении.
type JobResponse struct {
	Job               *domain.TranscriptionJob `json:"job"`
	InsufficientFunds bool                     `json:"insufficient_funds,omitempty"`
}

// CheckBalanceRequest проверка баланса перед запуском
type CheckBalanceRequest struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// CheckBalanceResponse результат проверки баланса
type CheckBalanceResponse struct {
	Balance   int64 `json:"balance"`
	CanAfford bool  `json:"can_afford"`
}

// JobServiceServer API конвейера транскрибации
type JobServiceServer interface {
	SubmitJob(context.Context, *SubmitJobRequest) (*JobResponse, error)
	CompleteJob(context.Context, *CompleteJobRequest) (*JobResponse, error)
	FailJob(context.Context, *FailJobRequest) (*JobResponse, error)
	GetJob(context.Context, *GetJobRequest) (*JobResponse, error)
	CheckBalance(context.Context, *CheckBalanceRequest) (*CheckBalanceResponse, error)
}

// RegisterJobServiceServer регистрирует сервис задач
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

// JobServiceDesc описание сервиса без protobuf-схемы: сообщения идут через jsonCodec.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: JobServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unaryHandler("SubmitJob", JobServiceServer.SubmitJob)},
		{MethodName: "CompleteJob", Handler: unaryHandler("CompleteJob", JobServiceServer.CompleteJob)},
		{MethodName: "FailJob", Handler: unaryHandler("FailJob", JobServiceServer.FailJob)},
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", JobServiceServer.GetJob)},
		{MethodName: "CheckBalance", Handler: unaryHandler("CheckBalance", JobServiceServer.CheckBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/jobs",
}

// unaryHandler заменяет сгенерированные protoc обработчики методов.
func unaryHandler[Req, Resp any](method string, call func(JobServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + JobServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// JobHandler реализация JobServiceServer поверх сервисов
type JobHandler struct {
	jobs   service.JobService
	ledger service.LedgerService
	log    *logger.Logger
}

// NewJobHandler создает gRPC-обработчик задач
func NewJobHandler(jobs service.JobService, ledger service.LedgerService, log *logger.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, ledger: ledger, log: log}
}

func (h *JobHandler) SubmitJob(ctx context.Context, req *SubmitJobRequest) (*JobResponse, error) {
	job, err := h.jobs.SubmitJob(ctx, service.SubmitJobRequest{
		AccountID:        req.AccountID,
		JobID:            req.JobID,
		EstimatedCredits: req.EstimatedCredits,
	})
	if err != nil {
		return nil, mapErrorToGRPCStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

func (h *JobHandler) CompleteJob(ctx context.Context, req *CompleteJobRequest) (*JobResponse, error) {
	job, err := h.jobs.CompleteJob(ctx, req.JobID, req.DurationSeconds)
	if err != nil {
		// задача уже переведена в failed: это результат, а не ошибка вызова
		if errors.Is(err, domain.ErrInsufficientFunds) && job != nil {
			return &JobResponse{Job: job, InsufficientFunds: true}, nil
		}
		return nil, mapErrorToGRPCStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

func (h *JobHandler) FailJob(ctx context.Context, req *FailJobRequest) (*JobResponse, error) {
	job, err := h.jobs.FailJob(ctx, req.JobID, req.Reason)
	if err != nil {
		return nil, mapErrorToGRPCStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

func (h *JobHandler) GetJob(ctx context.Context, req *GetJobRequest) (*JobResponse, error) {
	job, err := h.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, mapErrorToGRPCStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

func (h *JobHandler) CheckBalance(ctx context.Context, req *CheckBalanceRequest) (*CheckBalanceResponse, error) {
	acc, err := h.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, mapErrorToGRPCStatus(err)
	}
	return &CheckBalanceResponse{Balance: acc.Balance, CanAfford: acc.CanAfford(req.Credits)}, nil
}

func mapErrorToGRPCStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrStorageFailure):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
