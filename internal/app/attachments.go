package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"taskboard/api/internal/blob"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type AttachmentUpload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// AttachmentLink is an attachment with a time-limited download URL.
type AttachmentLink struct {
	Attachment store.Attachment
	URL        string
	ExpiresAt  time.Time
}

func (s *Service) loadAttachment(ctx context.Context, attachmentID string) (store.Attachment, store.Project, error) {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Attachment{}, store.Project{}, notFound("Attachment")
		}
		return store.Attachment{}, store.Project{}, fmt.Errorf("get attachment: %w", err)
	}
	project, err := s.loadProject(ctx, attachment.ProjectID)
	if err != nil {
		return store.Attachment{}, store.Project{}, err
	}
	return attachment, project, nil
}

// AddAttachment stores the upload in the blob store and records it on the
// task. The object is removed again if the row cannot be written.
func (s *Service) AddAttachment(ctx context.Context, actorID, taskID string, upload AttachmentUpload) (store.Attachment, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Attachment{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "upload attachments"); err != nil {
		return store.Attachment{}, err
	}
	fileName := strings.TrimSpace(upload.FileName)
	if fileName == "" {
		return store.Attachment{}, validationError("file name is required", nil)
	}
	if upload.Body == nil {
		return store.Attachment{}, validationError("file is required", nil)
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := util.NewID("att")
	attachment := store.Attachment{
		ID:          id,
		TaskID:      task.ID,
		ProjectID:   project.ID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        upload.Size,
		ObjectKey:   blob.AttachmentKey(project.ID, task.ID, id, fileName),
		UploadedBy:  actorID,
		CreatedAt:   s.now(),
	}
	if err := s.blobs.Put(ctx, attachment.ObjectKey, upload.Body, upload.Size, contentType); err != nil {
		return store.Attachment{}, fmt.Errorf("store attachment object: %w", err)
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), attachment.ObjectKey); delErr != nil {
			s.logger.Warn("remove orphaned attachment object", "key", attachment.ObjectKey, "error", delErr)
		}
		return store.Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return attachment, nil
}

func (s *Service) ListAttachments(ctx context.Context, actorID, taskID string) ([]store.Attachment, error) {
	task, err := s.GetTask(ctx, actorID, taskID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

func (s *Service) AttachmentURL(ctx context.Context, actorID, attachmentID string) (AttachmentLink, error) {
	attachment, project, err := s.loadAttachment(ctx, attachmentID)
	if err != nil {
		return AttachmentLink{}, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Attachment"); err != nil {
		return AttachmentLink{}, err
	}
	url, err := s.blobs.URL(ctx, attachment.ObjectKey, s.attachmentTTL)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return AttachmentLink{}, notFound("Attachment object")
		}
		return AttachmentLink{}, fmt.Errorf("attachment url: %w", err)
	}
	return AttachmentLink{Attachment: attachment, URL: url, ExpiresAt: s.now().Add(s.attachmentTTL)}, nil
}

// DeleteAttachment is allowed for the uploader, an admin, or the project
// owner.
func (s *Service) DeleteAttachment(ctx context.Context, actorID, attachmentID string) error {
	attachment, project, err := s.loadAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	switch {
	case actorID != "" && actorID == project.OwnerID:
	case actorID == attachment.UploadedBy:
		err = s.authorize(ctx, project.ID, actorID, rbac.AnyRole, "delete this attachment")
	default:
		err = s.authorize(ctx, project.ID, actorID, rbac.AdminsOnly, "delete this attachment")
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachment.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Attachment")
		}
		return fmt.Errorf("delete attachment: %w", err)
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), attachment.ObjectKey); err != nil {
		s.logger.Warn("delete attachment object", "key", attachment.ObjectKey, "error", err)
	}
	return nil
}
