package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// RedisNotifySentKeyPrefix marks (identity, change) pairs already delivered.
	RedisNotifySentKeyPrefix = "notify:sent:"

	notifyTimeout = 10 * time.Second
)

// MessagePusher is the outbound messaging channel.
type MessagePusher interface {
	Enabled() bool
	Push(ctx context.Context, to string, retryKey string, text string) error
}

// Notifier tells a patient about corrections that change what they see.
type Notifier interface {
	// NotifyIfVisible sends at most one message per (patient, change). It
	// reports whether a message went out.
	NotifyIfVisible(ctx context.Context, patient *entity.Patient, change entity.VisibleChange) (bool, error)
}

type notifier struct {
	pusher      MessagePusher
	redisClient *redis.Client
	dedupTTL    time.Duration
	log         *logrus.Logger
	metrics     *Metrics
}

// NewNotifier sends nothing without redisClient. The sent-key claim is the only
// dedup that outlives the platform's one-day retry-key window.
func NewNotifier(pusher MessagePusher, redisClient *redis.Client, dedupTTL time.Duration, log *logrus.Logger, metrics *Metrics) Notifier {
	if dedupTTL <= 0 {
		dedupTTL = 30 * 24 * time.Hour
	}
	if redisClient == nil && pusher != nil && pusher.Enabled() {
		log.Warn("Redis not configured, patient notifications are disabled")
	}
	return &notifier{
		pusher:      pusher,
		redisClient: redisClient,
		dedupTTL:    dedupTTL,
		log:         log,
		metrics:     metrics,
	}
}

func notifySentKey(patientID entity.PatientIdentity, change entity.VisibleChange) string {
	return RedisNotifySentKeyPrefix + string(patientID) + ":" + change.Key()
}

// retryKeyFor derives a stable X-Line-Retry-Key so the platform itself drops
// a second delivery of the same change.
func retryKeyFor(patientID entity.PatientIdentity, change entity.VisibleChange) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(patientID)+"|"+change.Key())).String()
}

func (n *notifier) NotifyIfVisible(ctx context.Context, patient *entity.Patient, change entity.VisibleChange) (bool, error) {
	if n.pusher == nil || !n.pusher.Enabled() || n.redisClient == nil {
		return false, nil
	}
	if patient == nil || patient.ChatID() == "" {
		return false, nil
	}
	text, ok := messageFor(change)
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	key := notifySentKey(patient.PatientID, change)
	claimed, err := n.redisClient.SetNX(ctx, key, time.Now().Format(time.RFC3339), n.dedupTTL).Result()
	if err != nil {
		n.metrics.RecordSideEffectFailure("notify_dedup")
		return false, fmt.Errorf("claim notification %s: %w", key, err)
	}
	if !claimed {
		n.log.Debugf("Notification %s already sent", key)
		return false, nil
	}

	if err := n.pusher.Push(ctx, patient.ChatID(), retryKeyFor(patient.PatientID, change), text); err != nil {
		n.metrics.RecordSideEffectFailure("notify")
		// Release the claim so a later run can deliver it.
		if delErr := n.redisClient.Del(ctx, key).Err(); delErr != nil && !errors.Is(delErr, redis.Nil) {
			n.log.Warnf("Failed to release notification claim %s: %+v", key, delErr)
		}
		return false, fmt.Errorf("push notification to %s: %w", patient.PatientID, err)
	}

	n.log.WithFields(logrus.Fields{
		"patient_id":     patient.PatientID,
		"reservation_id": change.ReservationID,
		"change":         change.Kind,
	}).Info("Patient notified of booking correction")
	return true, nil
}

func messageFor(change entity.VisibleChange) (string, bool) {
	switch change.Kind {
	case entity.ChangeReservationCanceled:
		return fmt.Sprintf("ご予約（%s %s）は重複または取消済みのため、キャンセルとして整理されました。ご不明な点はクリニックまでお問い合わせください。", change.Date, change.Time), true
	case entity.ChangeReservationRescheduled:
		return fmt.Sprintf("ご予約の日時が %s %s に更新されました。", change.Date, change.Time), true
	default:
		return "", false
	}
}
