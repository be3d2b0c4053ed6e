package app

import (
	"github.com/gin-gonic/gin"

	"taskboard/api/internal/store"
)

func projectView(project store.Project) gin.H {
	return gin.H{
		"id":        project.ID,
		"name":      project.Name,
		"ownerId":   project.OwnerID,
		"createdAt": project.CreatedAt,
	}
}

func memberView(member store.ProjectMember) gin.H {
	return gin.H{
		"projectId": member.ProjectID,
		"userId":    member.UserID,
		"role":      member.Role,
		"status":    member.Status,
		"invitedBy": member.InvitedBy,
		"invitedAt": member.InvitedAt,
		"joinedAt":  member.JoinedAt,
	}
}

func taskView(task store.Task) gin.H {
	return gin.H{
		"id":           task.ID,
		"projectId":    task.ProjectID,
		"taskNumber":   task.TaskNumber,
		"title":        task.Title,
		"description":  task.Description,
		"status":       task.Status,
		"priority":     task.Priority,
		"assigneeId":   task.AssigneeID,
		"reporterId":   task.ReporterID,
		"sprintId":     task.SprintID,
		"parentTaskId": task.ParentTaskID,
		"dueDate":      task.DueDate,
		"createdAt":    task.CreatedAt,
		"updatedAt":    task.UpdatedAt,
	}
}

func taskViews(tasks []store.Task) []gin.H {
	items := make([]gin.H, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskView(task))
	}
	return items
}

func sprintView(sprint store.Sprint) gin.H {
	return gin.H{
		"id":        sprint.ID,
		"projectId": sprint.ProjectID,
		"name":      sprint.Name,
		"goal":      sprint.Goal,
		"startDate": sprint.StartDate,
		"endDate":   sprint.EndDate,
		"status":    sprint.Status,
		"createdBy": sprint.CreatedBy,
		"createdAt": sprint.CreatedAt,
		"updatedAt": sprint.UpdatedAt,
	}
}

func commentView(comment store.Comment) gin.H {
	return gin.H{
		"id":        comment.ID,
		"taskId":    comment.TaskID,
		"authorId":  comment.AuthorID,
		"body":      comment.Body,
		"createdAt": comment.CreatedAt,
		"updatedAt": comment.UpdatedAt,
	}
}

func attachmentView(attachment store.Attachment) gin.H {
	return gin.H{
		"id":          attachment.ID,
		"taskId":      attachment.TaskID,
		"projectId":   attachment.ProjectID,
		"fileName":    attachment.FileName,
		"contentType": attachment.ContentType,
		"size":        attachment.Size,
		"uploadedBy":  attachment.UploadedBy,
		"createdAt":   attachment.CreatedAt,
	}
}
