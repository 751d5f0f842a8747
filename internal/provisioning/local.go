package provisioning

import (
	"context"

	"github.com/google/uuid"
)

// LocalProvisioner mints room ids without a provider. The ids are only
// meaningful to the in-process and Redis media engines.
type LocalProvisioner struct{}

// CreateRoom returns a fresh id in the provider's xxxx-xxxx-xxxx shape
func (LocalProvisioner) CreateRoom(context.Context) (string, error) {
	id := uuid.NewString()
	return id[0:4] + "-" + id[9:13] + "-" + id[14:18], nil
}
