package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ScanMessage is a scan verification queued by an offline scanner.
type ScanMessage struct {
	SessionId     string              `json:"session_id"`
	AssetId       string              `json:"asset_id"`
	Status        models.ReviewStatus `json:"status"`
	Comment       *string             `json:"comment,omitempty"`
	ScannedBy     string              `json:"scanned_by"`
	CorrelationId string              `json:"correlation_id,omitempty"`
}

// pushTokenValid compares ?token with PUBSUB_PUSH_TOKEN. Without a configured token only
// non-production environments accept pushes.
func pushTokenValid(c *gin.Context) bool {
	expected := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_TOKEN"))
	if expected == "" {
		return !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
	}
	return subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(expected)) == 1
}

// scanPubSubHandler applies pushed scan verifications. Poisoned messages are acked so
// Pub/Sub does not redeliver them forever; storage outages are nacked for retry.
func scanPubSubHandler(current func() *auditAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		api := current()
		if api == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		logger := api.logger
		if !pushTokenValid(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsubHandler.go", "scanPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg PubSubMessage
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "pubsubHandler.go", "scanPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var m ScanMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "pubsubHandler.go", "scanPubSubHandler", "Unmarshal scan message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.SessionId == "" || m.ScannedBy == "" {
			config.LogError(logger, "pubsubHandler.go", "scanPubSubHandler", "Invalid scan message (missing required fields)", m, fmt.Errorf("session_id/scanned_by required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
		ctx = utils.SetUserIdInContext(ctx, m.ScannedBy)

		scan := models.NewScan{AssetId: m.AssetId, Status: m.Status, Comment: m.Comment}
		entry, result, err := api.engine.Scans.Verify(ctx, m.SessionId, scan, m.ScannedBy, audit.WriteOptions{})
		fields := logrus.Fields{
			"field":          "scanPubSubHandler",
			"session_id":     m.SessionId,
			"asset_id":       m.AssetId,
			"message_id":     msg.Message.ID,
			"correlation_id": correlationID,
		}
		if err != nil {
			if models.KindOf(err) == models.KindStorageUnavailable {
				logger.WithFields(fields).Error("scan processing failed: " + err.Error())
				// Non-2xx tells Pub/Sub to retry.
				c.Status(http.StatusServiceUnavailable)
				return
			}
			logger.WithFields(fields).Warn("dropping scan message: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}
		if result.Degraded {
			logger.WithFields(fields).Warn("scan stored in local mirror only")
		}
		if entry != nil {
			fields["scan_id"] = entry.ID
		}
		logger.WithFields(fields).Debug("scan applied")
		c.Status(http.StatusNoContent)
	}
}
