package girder

import (
	"context"
	"fmt"
	"time"
)

// ReadinessChecker — проверка доступности Girder для health endpoint:
// корневая папка должна читаться с текущим токеном.
type ReadinessChecker struct {
	client       *Client
	rootFolderID string
}

// NewReadinessChecker создаёт проверку готовности Girder.
func NewReadinessChecker(client *Client, rootFolderID string) *ReadinessChecker {
	return &ReadinessChecker{client: client, rootFolderID: rootFolderID}
}

// CheckReady возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := c.client.GetFolder(ctx, c.rootFolderID)
	if err != nil {
		return "fail", fmt.Sprintf("Girder недоступен: %v", err)
	}
	return "ok", fmt.Sprintf("корневая папка %q доступна", f.Name)
}
