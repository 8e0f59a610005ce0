package devhost

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// parseHeaderBlock reads a CGI style header block: "Key: Value" lines
// separated by CRLF or LF. A Status header sets the response code.
func parseHeaderBlock(block []byte) (int, http.Header, error) {
	status := http.StatusOK
	header := http.Header{}
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return 0, nil, errors.Errorf("malformed header line %q", line)
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if strings.EqualFold(key, "Status") {
			fields := strings.Fields(value)
			if len(fields) == 0 {
				return 0, nil, errors.New("empty Status header")
			}
			code, err := strconv.Atoi(fields[0])
			if err != nil || code < 100 || code > 999 {
				return 0, nil, errors.Errorf("bad Status header %q", value)
			}
			status = code
			continue
		}
		header.Add(key, value)
	}
	return status, header, nil
}

func writeResponse(c *gin.Context, resp response) {
	for key, values := range resp.header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.status)
	_, _ = c.Writer.Write(resp.body)
}
