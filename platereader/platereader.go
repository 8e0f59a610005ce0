// Package platereader uploads vehicle images to a license plate
// recognition service and keeps the JSON answers in an append-only file.
package platereader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"resty.dev/v3"
)

const (
	// DefaultURL is the cloud plate reader endpoint.
	DefaultURL = "https://api.platerecognizer.com/v1/plate-reader/"

	// MaxAttempts bounds uploads answered with 429 Too Many Requests.
	MaxAttempts = 3

	// RetryWait is the pause after a 429.
	RetryWait = time.Second

	usage = "Error:Invalid Arguments!\nUsage: platereader <Image>"
)

// Config is read from PLATEREADER_* environment variables.
type Config struct {
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	URL      string        `mapstructure:"url" yaml:"url"`
	Output   string        `mapstructure:"output" yaml:"output"`
	Regions  []string      `mapstructure:"regions" yaml:"regions"`
	CameraID string        `mapstructure:"camera_id" yaml:"camera_id"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		APIKey:  "MY_API_KEY",
		URL:     DefaultURL,
		Output:  "responce.txt",
		Timeout: 60 * time.Second,
	}
}

// Result is the outcome of one upload.
type Result struct {
	// Body is the raw response body of the last attempt.
	Body []byte
	// Status is the HTTP status of the last attempt.
	Status int
	// Attempts counts the requests made, retries included.
	Attempts int
	// Sent is the size of the uploaded file.
	Sent int64
	// Elapsed is the duration of the last attempt.
	Elapsed time.Duration
}

// BytesPerSecond is the upload speed of the last attempt.
func (r *Result) BytesPerSecond() int64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return int64(float64(r.Sent) / r.Elapsed.Seconds())
}

// Client talks to the plate reader service.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger zerolog.Logger

	// after is time.After; tests replace it
	after func(time.Duration) <-chan time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	c := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Token "+cfg.APIKey).
		SetHeader("cache-control", "no-cache")
	return &Client{
		cfg:    cfg,
		http:   c,
		logger: log.With().Str("component", "platereader").Logger(),
		after:  time.After,
	}
}

func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) formData() url.Values {
	form := url.Values{}
	for _, r := range c.cfg.Regions {
		form.Add("regions", r)
	}
	if c.cfg.CameraID != "" {
		form.Set("camera_id", c.cfg.CameraID)
	}
	return form
}

// Upload posts the image as the multipart field "upload". A 429 answer is
// retried after RetryWait, up to MaxAttempts requests in total.
func (c *Client) Upload(ctx context.Context, imagePath string) (*Result, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, errors.Wrap(err, "reading image")
	}
	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", imagePath)
	}

	res := &Result{Sent: info.Size()}
	for {
		res.Attempts++
		start := time.Now()
		resp, err := c.http.R().
			SetContext(ctx).
			SetFile("upload", imagePath).
			SetFormDataFromValues(c.formData()).
			Post(c.cfg.URL)
		res.Elapsed = time.Since(start)
		if err != nil {
			return nil, errors.Wrapf(err, "uploading %s", imagePath)
		}
		res.Status = resp.StatusCode()
		res.Body = resp.Bytes()

		if res.Status != 429 || res.Attempts >= MaxAttempts {
			break
		}
		c.logger.Debug().Int("attempt", res.Attempts).Msg("rate limited, retrying")
		select {
		case <-c.after(RetryWait):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting to retry")
		}
	}

	if res.Status < 200 || res.Status >= 300 {
		c.logger.Warn().Int("status", res.Status).Msg("plate reader rejected the upload")
	}
	return res, nil
}

// Render formats a response body for output. JSON is laid out by
// styleJSON; anything else is reported and kept as is.
func Render(body []byte, stdout io.Writer) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		fmt.Fprintln(stdout, "Could not parse HTTP data as JSON")
		fmt.Fprintln(stdout, "HTTP data was:")
		return []byte("null")
	}
	if styled, err := styleJSON(body); err == nil {
		_, _ = stdout.Write(styled)
		return styled
	}
	fmt.Fprintln(stdout, "Could not parse HTTP data as JSON")
	fmt.Fprintf(stdout, "HTTP data was:\n%s\n", body)
	return body
}

// AppendRecord appends record and a blank line to path.
func AppendRecord(path string, record []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	if _, err := f.Write(append(append([]byte(nil), record...), "\n\n"...)); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// Run is the whole command: upload args[0], print the answer and append it
// to the output file. Upload and parse failures are reported and still
// produce a record; only a failure to write the record is returned.
func Run(ctx context.Context, client *Client, args []string, stdout, stderr io.Writer) error {
	record := []byte("null")
	if len(args) != 1 {
		fmt.Fprint(stdout, usage)
	} else {
		res, err := client.Upload(ctx, args[0])
		if err != nil {
			fmt.Fprintf(stderr, "upload failed: %v\n", err)
		} else {
			us := res.Elapsed.Microseconds()
			fmt.Fprintf(stderr, "Speed: %d bytes/sec during %d.%06d seconds\n",
				res.BytesPerSecond(), us/1000000, us%1000000)
			record = Render(res.Body, stdout)
		}
	}

	if err := AppendRecord(client.cfg.Output, record); err != nil {
		return err
	}
	fmt.Fprint(stdout, "\n\n")
	return nil
}
