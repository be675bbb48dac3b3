package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/collabd/internal/directory"
)

// Health reports the server status and the number of open documents. The count is
// taken on the event loop, so a stalled or stopped loop shows up as unavailable.
func Health(dir *directory.Directory, loop Caller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var documents int
		err := loop.Call(requestContext(c), func() error {
			documents = dir.Len()
			return nil
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": documents})
	}
}
