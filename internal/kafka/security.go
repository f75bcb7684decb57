package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
)

// Security protocols.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

// SASL mechanisms.
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
	MechanismAWSMSKIAM   = "AWS_MSK_IAM"
)

// TLSConfig configures broker TLS.
type TLSConfig struct {
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// SecurityConfig is shared by every Kafka client in the repo: the packet
// publisher, the collector consumer and the DLQ producer.
type SecurityConfig struct {
	Protocol      string
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
	AWSRegion     string
	TLS           TLSConfig
}

// ConfigureSecurity applies protocol, SASL and TLS settings to a sarama
// config.
func ConfigureSecurity(config *sarama.Config, sec SecurityConfig) error {
	switch sec.Protocol {
	case "", ProtocolPlaintext:
		return nil

	case ProtocolSSL:
		return configureTLS(config, sec.TLS)

	case ProtocolSASLPlaintext:
		return configureSASL(config, sec)

	case ProtocolSASLSSL:
		if err := configureSASL(config, sec); err != nil {
			return err
		}
		return configureTLS(config, sec.TLS)

	default:
		return fmt.Errorf("unsupported security protocol: %s", sec.Protocol)
	}
}

func configureSASL(config *sarama.Config, sec SecurityConfig) error {
	config.Net.SASL.Enable = true

	switch sec.SASLMechanism {
	case MechanismPlain:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = sec.SASLUsername
		config.Net.SASL.Password = sec.SASLPassword

	case MechanismSCRAMSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.User = sec.SASLUsername
		config.Net.SASL.Password = sec.SASLPassword
		config.Net.SASL.SCRAMClientGeneratorFunc = scramClientGenerator(SHA256())

	case MechanismSCRAMSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.User = sec.SASLUsername
		config.Net.SASL.Password = sec.SASLPassword
		config.Net.SASL.SCRAMClientGeneratorFunc = scramClientGenerator(SHA512())

	case MechanismAWSMSKIAM:
		if sec.AWSRegion == "" {
			return fmt.Errorf("%s requires an AWS region", MechanismAWSMSKIAM)
		}
		config.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		config.Net.SASL.TokenProvider = &MSKAccessTokenProvider{region: sec.AWSRegion}

	default:
		return fmt.Errorf("unsupported SASL mechanism: %s", sec.SASLMechanism)
	}

	return nil
}

func configureTLS(config *sarama.Config, cfg TLSConfig) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse CA certificate %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	config.Net.TLS.Enable = true
	config.Net.TLS.Config = tlsConfig
	return nil
}

// MSKAccessTokenProvider implements sarama.AccessTokenProvider for AWS MSK
// IAM authentication using the default AWS credential chain.
type MSKAccessTokenProvider struct {
	region string
}

// Token generates an AWS MSK IAM authentication token.
func (m *MSKAccessTokenProvider) Token() (*sarama.AccessToken, error) {
	token, expiryMs, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to generate MSK IAM token: %w", err)
	}

	return &sarama.AccessToken{
		Token: token,
		Extensions: map[string]string{
			"expiry": strconv.FormatInt(expiryMs, 10),
		},
	}, nil
}

// CompressionCodec maps a compression name to a sarama codec. Unknown names
// disable compression.
func CompressionCodec(name string) sarama.CompressionCodec {
	switch strings.ToLower(name) {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}
