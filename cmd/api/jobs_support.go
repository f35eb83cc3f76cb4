package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/config"
	"github.com/yourusername/learncode/internal/jobs"
)

// 直近の実行記録は1週間保持する
const maintenanceRecordTTL = 7 * 24 * time.Hour

func setupJobs(cfg *config.Config, users jobs.Purger, rdb redis.UniversalClient, logger *logrus.Logger) (*jobs.Manager, error) {
	store := jobs.NewStore(rdb, maintenanceRecordTTL)
	return jobs.NewManager(cfg, users, store, logger)
}

func maintenanceStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := manager.LastRun(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "Failed to load maintenance status.",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "Maintenance task has not run yet.",
			})
			return
		}

		payload := gin.H{
			"task":      record.TaskType,
			"taskId":    record.TaskID,
			"status":    record.Status,
			"purged":    record.Purged,
			"updatedAt": record.UpdatedAt,
		}
		if record.RequestedBy != "" {
			payload["requestedBy"] = record.RequestedBy
		}
		if record.FinishedAt != nil {
			payload["finishedAt"] = record.FinishedAt
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}

func maintenancePurgeHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestedBy := auth.CurrentSession(c).Username
		taskID, err := manager.EnqueuePurge(c.Request.Context(), requestedBy)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "Failed to enqueue maintenance task.",
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"task":   jobs.TaskPurgeRememberTokens,
			"taskId": taskID,
			"status": jobs.StatusQueued,
		})
	}
}
