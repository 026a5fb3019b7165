package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
)

// ReportArchive keeps an off-database copy of every generated report.
type ReportArchive interface {
	Archive(ctx context.Context, report *models.AuditReport) error
}

type NoopArchive struct{}

func (NoopArchive) Archive(context.Context, *models.AuditReport) error { return nil }

// GCSArchive writes report snapshots as JSON objects to a bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
}

func NewGCSArchive(client *storage.Client, bucket string) *GCSArchive {
	return &GCSArchive{client: client, bucket: bucket}
}

func ArchiveObjectName(report *models.AuditReport) string {
	return fmt.Sprintf("audit-reports/%s/%s.json", report.SessionId, report.ID)
}

func (a *GCSArchive) Archive(ctx context.Context, report *models.AuditReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	name := ArchiveObjectName(report)
	// snapshots are immutable; skip the upload when a retry already stored it
	exists, err := utils.ObjectExistsInGCS(ctx, a.client, a.bucket, name)
	if err == nil && exists {
		return nil
	}
	return utils.UploadBytesToGCS(ctx, a.client, a.bucket, name, data, "application/json")
}

func (d *Deps) archive(ctx context.Context, report *models.AuditReport) {
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.Archive.Archive(archiveCtx, report); err != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "auditArchive",
			"session_id": report.SessionId,
			"report_id":  report.ID,
		}).Warn("failed to archive audit report: " + err.Error())
	}
}
