package service

import (
	"pothole-detector-go/internal/model"
	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

// modelToResponse преобразует модель базы данных в ответ API
func (s *RunService) modelToResponse(run *model.Run) *RunResponse {
	response := &RunResponse{
		ID:                 run.ID,
		VideoPath:          run.VideoPath,
		TargetClass:        run.TargetClass,
		SnapshotThrottleMs: run.SnapshotThrottleMs,
		TimestampOnly:      run.TimestampOnly,
		State:              run.State,
		FailureReason:      run.FailureReason,
		FramesProcessed:    run.FramesProcessed,
		AlertFrames:        run.AlertFrames,
		SnapshotsCount:     run.SnapshotsCount,
		DroppedFrames:      run.DroppedFrames,
		DurationMs:         run.DurationMs,
		Alerts:             make([]AlertResponse, 0, len(run.Alerts)),
		Snapshots:          make([]SnapshotResponse, 0, len(run.Snapshots)),
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
	}
	if run.HasRoute {
		response.Route = &RouteRequest{
			Start: models.Coordinates{Lat: run.StartLat, Lon: run.StartLon},
			End:   models.Coordinates{Lat: run.EndLat, Lon: run.EndLon},
		}
		response.RouteLengthM = s.calc.DistanceMeters(response.Route.Start, response.Route.End)
	}

	for _, a := range run.Alerts {
		response.Alerts = append(response.Alerts, alertToResponse(a))
	}
	for _, sn := range run.Snapshots {
		response.Snapshots = append(response.Snapshots, SnapshotResponse{
			TimestampMs:   sn.TimestampMs,
			URL:           staticURL(sn.ImagePath),
			Detections:    sn.Detections,
			MaxConfidence: sn.MaxConfidence,
		})
	}
	return response
}

func alertToResponse(a model.Alert) AlertResponse {
	resp := AlertResponse{
		RunID:       a.RunID,
		Kind:        a.Kind,
		TimestampMs: a.TimestampMs,
		Seconds:     a.Label,
	}
	if a.HasLocation {
		resp.Location = &models.Coordinates{Lat: a.Lat, Lon: a.Lon}
	}
	return resp
}

func detectionsToResponse(dets []pipeline.Detection) []DetectionResponse {
	out := make([]DetectionResponse, 0, len(dets))
	for _, d := range dets {
		out = append(out, DetectionResponse{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			Box:        [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		})
	}
	return out
}

// finalMessage терминальное сообщение для уже завершенного запуска
func finalMessage(run *model.Run) EventMessage {
	msg := EventMessage{RunID: run.ID, TimestampMs: run.DurationMs}
	switch run.State {
	case model.RunStateCompleted:
		msg.Type = MessageCompleted
		msg.TimestampOnly = run.TimestampOnly
		if run.TimestampOnly {
			msg.Summary = make([]string, 0, len(run.Alerts))
			for _, a := range run.Alerts {
				msg.Summary = append(msg.Summary, a.Label)
			}
		}
	case model.RunStateCancelled:
		msg.Type = MessageCancelled
	default:
		msg.Type = MessageFailed
		msg.Reason = run.FailureReason
	}
	return msg
}

