package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseSnowflakeID(value string) (snowflake.ID, bool) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}

// pathID parses the named path parameter, aborting with a validation error
// when it is not a snowflake id.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, ok := parseSnowflakeID(c.Param(name))
	if !ok {
		AbortWithError(c, invalidField(name, "invalid_"+name))
		return 0, false
	}
	return id, true
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
