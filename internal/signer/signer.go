// Package signer injects AWS SigV4 authentication into outbound requests to
// bedrock-runtime, so sandboxes never hold real AWS credentials themselves.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Credentials is the AWS credential triple used to sign requests on behalf
// of a sandbox's bedrock-runtime calls.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// DefaultRegion is used when credentials carry no region of their own.
const DefaultRegion = "us-west-2"

// Signer signs outbound HTTP requests with SigV4 for a fixed service name.
type Signer struct {
	inner   *v4.Signer
	service string
}

// New creates a Signer for the given AWS service (e.g. "bedrock").
func New(service string) *Signer {
	return &Signer{inner: v4.NewSigner(), service: service}
}

// Sign adds SigV4 headers to req in place, using creds and body to compute
// the payload hash. now is the signing timestamp.
func (s *Signer) Sign(req *http.Request, creds Credentials, body []byte, now time.Time) error {
	region := creds.Region
	if region == "" {
		region = DefaultRegion
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	awsCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}

	return s.inner.SignHTTP(req.Context(), awsCreds, req, payloadHash, s.service, region, now)
}
