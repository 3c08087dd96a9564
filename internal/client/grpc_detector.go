package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

// Методы сервиса detector.v1.Detector. Сообщения - стандартные типы protobuf,
// поэтому сгенерированный код не нужен.
const (
	detectorService = "detector.v1.Detector"
	loadMethod      = "/" + detectorService + "/Load"
	inferMethod     = "/" + detectorService + "/Infer"
	releaseMethod   = "/" + detectorService + "/Release"

	// sessionHeader заголовок метаданных с идентификатором загруженной модели
	sessionHeader = "x-detector-session"

	// DefaultReleaseTimeout ограничивает вызов Release при закрытии детектора
	DefaultReleaseTimeout = 5 * time.Second
)

// GRPCDetectorLoader загружает детектор на удаленном gRPC сервисе
type GRPCDetectorLoader struct {
	conn           grpc.ClientConnInterface
	closer         func() error
	names          ClassNames
	releaseTimeout time.Duration
	logger         logrus.FieldLogger
}

// DialGRPCDetector подключается к сервису по адресу target
func DialGRPCDetector(target string, logger logrus.FieldLogger, opts ...grpc.DialOption) (*GRPCDetectorLoader, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	l := NewGRPCDetectorLoader(conn, logger)
	l.closer = conn.Close
	return l, nil
}

// NewGRPCDetectorLoader создает загрузчик поверх существующего соединения
func NewGRPCDetectorLoader(conn grpc.ClientConnInterface, logger logrus.FieldLogger) *GRPCDetectorLoader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GRPCDetectorLoader{conn: conn, releaseTimeout: DefaultReleaseTimeout, logger: logger}
}

// WithReleaseTimeout задает предельное время освобождения модели на сервере
func (l *GRPCDetectorLoader) WithReleaseTimeout(d time.Duration) *GRPCDetectorLoader {
	if d > 0 {
		l.releaseTimeout = d
	}
	return l
}

// WithClassNames задает манифест для разрешения class_id
func (l *GRPCDetectorLoader) WithClassNames(names ClassNames) *GRPCDetectorLoader {
	l.names = names
	return l
}

// Load загружает веса на сервере. NotFound означает отсутствие артефакта.
func (l *GRPCDetectorLoader) Load(ctx context.Context, artifactPath string) (pipeline.Detector, error) {
	var session wrapperspb.StringValue
	if err := l.conn.Invoke(ctx, loadMethod, wrapperspb.String(artifactPath), &session); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrArtifactUnavailable, status.Convert(err).Message())
		}
		return nil, fmt.Errorf("failed to load detector: %w", err)
	}
	l.logger.WithField("session", session.GetValue()).Info("Детектор загружен на gRPC сервисе")
	return &grpcDetector{loader: l, session: session.GetValue()}, nil
}

// Close закрывает соединение, если оно было открыто DialGRPCDetector
func (l *GRPCDetectorLoader) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

type grpcDetector struct {
	loader  *GRPCDetectorLoader
	session string
}

func (d *grpcDetector) Infer(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	data, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, sessionHeader, d.session)

	var list structpb.ListValue
	if err := d.loader.conn.Invoke(ctx, inferMethod, wrapperspb.Bytes(data), &list); err != nil {
		return nil, fmt.Errorf("failed to infer frame %d: %w", frame.Index, err)
	}
	dtos, err := detectionsFromList(&list)
	if err != nil {
		return nil, err
	}
	return toDetections(dtos, d.loader.names, frame.Image.Bounds())
}

func (d *grpcDetector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.loader.releaseTimeout)
	defer cancel()
	if err := d.loader.conn.Invoke(ctx, releaseMethod, wrapperspb.String(d.session), &emptypb.Empty{}); err != nil {
		return fmt.Errorf("failed to release detector: %w", err)
	}
	return nil
}

func detectionsFromList(list *structpb.ListValue) ([]models.DetectionDTO, error) {
	out := make([]models.DetectionDTO, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		box := fields["box"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d: box must have 4 values, got %d", i, len(box))
		}
		dto := models.DetectionDTO{
			Class:      fields["class"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
		}
		for j := range dto.Box {
			dto.Box[j] = box[j].GetNumberValue()
		}
		if id, ok := fields["class_id"]; ok {
			v := int(id.GetNumberValue())
			dto.ClassID = &v
		}
		out = append(out, dto)
	}
	return out, nil
}

func detectionsToList(dets []pipeline.Detection) (*structpb.ListValue, error) {
	values := make([]interface{}, 0, len(dets))
	for _, d := range dets {
		values = append(values, map[string]interface{}{
			"class":      d.ClassName,
			"confidence": d.Confidence,
			"box":        []interface{}{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		})
	}
	return structpb.NewList(values)
}

// DetectorServer серверная часть detector.v1.Detector
type DetectorServer interface {
	Load(ctx context.Context, artifactPath *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Infer(ctx context.Context, jpegFrame *wrapperspb.BytesValue) (*structpb.ListValue, error)
	Release(ctx context.Context, session *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterDetectorServer регистрирует реализацию на gRPC сервере
func RegisterDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&detectorServiceDesc, srv)
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: detectorService,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: unaryHandler(loadMethod, func(srv DetectorServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
			return srv.Load(ctx, in)
		})},
		{MethodName: "Infer", Handler: unaryHandler(inferMethod, func(srv DetectorServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
			return srv.Infer(ctx, in)
		})},
		{MethodName: "Release", Handler: unaryHandler(releaseMethod, func(srv DetectorServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
			return srv.Release(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "detector/v1/detector.proto",
}

func unaryHandler[T any](method string, call func(DetectorServer, context.Context, *T) (interface{}, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(T)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DetectorServer), ctx, req.(*T))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LoaderServer отдает детекторы локального загрузчика по gRPC
type LoaderServer struct {
	loader pipeline.DetectorLoader
	logger logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]pipeline.Detector
}

var _ DetectorServer = (*LoaderServer)(nil)

// NewLoaderServer создает сервер поверх загрузчика
func NewLoaderServer(loader pipeline.DetectorLoader, logger logrus.FieldLogger) *LoaderServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoaderServer{loader: loader, logger: logger, sessions: make(map[string]pipeline.Detector)}
}

func (s *LoaderServer) Load(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	det, err := s.loader.Load(ctx, in.GetValue())
	if err != nil {
		if errors.Is(err, pipeline.ErrArtifactUnavailable) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = det
	s.mu.Unlock()
	s.logger.WithField("session", id).Infof("Загружен детектор %s", in.GetValue())
	return wrapperspb.String(id), nil
}

func (s *LoaderServer) Infer(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	det, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode frame: %v", err)
	}
	dets, err := det.Infer(ctx, &pipeline.Frame{Image: img})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	list, err := detectionsToList(dets)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func (s *LoaderServer) Release(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	s.mu.Lock()
	det, ok := s.sessions[in.GetValue()]
	delete(s.sessions, in.GetValue())
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %q", in.GetValue())
	}
	if err := det.Close(); err != nil {
		s.logger.WithError(err).Warn("Ошибка закрытия детектора")
	}
	return &emptypb.Empty{}, nil
}

// Sessions количество загруженных детекторов
func (s *LoaderServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *LoaderServer) session(ctx context.Context) (pipeline.Detector, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(sessionHeader)
	if len(ids) == 0 {
		return nil, status.Error(codes.FailedPrecondition, "missing detector session")
	}
	s.mu.Lock()
	det, ok := s.sessions[ids[0]]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %q", ids[0])
	}
	return det, nil
}
