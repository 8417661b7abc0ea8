package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

var validate = validator.New()

// Parse validates d and returns the matching Target. Every failure is an
// errs.KindValidation error; Parse performs no I/O.
func Parse(d *Descriptor) (Target, error) {
	if d == nil {
		return nil, errs.Validation("Device configuration is required")
	}

	if err := validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, errs.Validation("%s", formatValidationMessage(fieldErrs[0]))
		}
		return nil, errs.Validation("invalid device configuration: %v", err)
	}

	kind, ok := ParseKind(d.Type)
	if !ok {
		return nil, errs.Validation("Unsupported device type %q", d.Type)
	}

	address := strings.TrimSpace(d.Address)
	if address == "" && kind != KindHost {
		return nil, errs.Validation("Device address is required")
	}

	switch kind {
	case KindHost:
		return HostTarget{Address: address}, nil
	case KindCluster:
		creds, err := clusterCredentials(d.Credentials)
		if err != nil {
			return nil, err
		}
		return ClusterTarget{
			Address:     NormalizeAddress(address),
			Node:        strings.TrimSpace(d.Node),
			Credentials: creds,
		}, nil
	case KindVM:
		transport := TransportSSH
		if d.Transport != "" {
			transport = Transport(d.Transport)
		}
		return VMTarget{Address: address, Transport: transport}, nil
	case KindContainer:
		name := strings.TrimSpace(d.Container)
		if name == "" {
			name = address
		}
		return ContainerTarget{Address: address, Name: name}, nil
	case KindContainerHost:
		return ContainerHostTarget{Address: address}, nil
	}
	return nil, errs.Validation("Unsupported device type %q", d.Type)
}

// clusterCredentials enforces the credential invariants for cluster targets
// and returns the normalized form. A complete token pair wins over a
// username/password pair.
func clusterCredentials(c *auth.Credentials) (auth.Credentials, error) {
	if c == nil {
		return auth.Credentials{}, errs.Validation("Cluster credentials are required")
	}
	if c.TokenID == "" && c.Username == "" {
		return auth.Credentials{}, errs.Validation("Either API token or username/password is required")
	}
	if c.TokenID != "" {
		if c.TokenSecret == "" {
			return auth.Credentials{}, errs.Validation("Token secret is required when using API token")
		}
		return auth.Credentials{TokenID: c.TokenID, TokenSecret: c.TokenSecret}, nil
	}
	if c.Password == "" {
		return auth.Credentials{}, errs.Validation("Password is required when using username authentication")
	}
	return auth.Credentials{
		Username: c.Username,
		Password: c.Password,
		Realm:    c.RealmOrDefault(),
	}, nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("Device %s is required", field)
	case "oneof":
		return fmt.Sprintf("Device %s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("Device %s failed %s validation", field, e.Tag())
	}
}
