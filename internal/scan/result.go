package scan

import (
	"time"

	"formpost/internal/apperr"
	"formpost/internal/digest"
	"formpost/internal/engine"
)

// TimeFormat renders timestamps as RFC 3339 in UTC with milliseconds.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp marshals as TimeFormat.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(TimeFormat) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	parsed, err := time.Parse(`"`+TimeFormat+`"`, string(data))
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Result describes one scanned part.
type Result struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CRC32       string    `json:"crc32"`
	MD5         string    `json:"md5"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"contentType"`
	DateScanned Timestamp `json:"dateScanned"`
	Result      Verdict   `json:"result"`
	Signature   *string   `json:"signature"`
}

// NewResult assembles the result of a finished scan.
func NewResult(name string, digests digest.Set, contentType string, verdict Verdict, signature string, scanned time.Time) Result {
	r := Result{
		Name:        name,
		Size:        digests.Size,
		CRC32:       digests.CRC32,
		MD5:         digests.MD5,
		SHA256:      digests.SHA256,
		ContentType: contentType,
		DateScanned: Timestamp(scanned),
		Result:      verdict,
	}
	if verdict == Virus {
		r.Signature = &signature
	}
	return r
}

// Response is the body of a successful upload.
type Response struct {
	AVVersion        string    `json:"avVersion"`
	DBVersion        uint32    `json:"dbVersion"`
	DBSignatureCount uint32    `json:"dbSignatureCount"`
	DBDate           Timestamp `json:"dbDate"`
	Results          []Result  `json:"results"`
}

// Outcome is what happened to one part: a result or an error.
type Outcome struct {
	Result *Result
	Err    error
}

// Aggregate builds the response when every part succeeded. Otherwise it
// returns the first error in submission order.
func Aggregate(info engine.Info, outcomes []Outcome) (*Response, error) {
	if len(outcomes) == 0 {
		return nil, apperr.Errorf(apperr.ErrClient, "no files submitted")
	}

	if err := FirstError(outcomes); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, *o.Result)
	}

	return &Response{
		AVVersion:        info.Version,
		DBVersion:        info.DBVersion,
		DBSignatureCount: info.DBSignatures,
		DBDate:           Timestamp(info.DBDate),
		Results:          results,
	}, nil
}

// FirstError returns the error of the earliest failed outcome, if any.
func FirstError(outcomes []Outcome) error {
	for i, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
		if o.Result == nil {
			return apperr.Errorf(apperr.ErrInvalidState, "part %d has neither result nor error", i)
		}
	}
	return nil
}
