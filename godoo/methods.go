// godoo/methods.go
package godoo

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ServerVersion is the subset of common.version the synchronizer logs.
type ServerVersion struct {
	ServerVersion string
	ProtocolVer   int64
}

// Version asks the instance for its server version. It needs no credentials and
// is used at startup to record what each side is running.
func (c *OdooClient) Version(ctx context.Context) (ServerVersion, error) {
	commonRPCClient, err := newXMLRPCClient(fmt.Sprintf("%s/xmlrpc/2/common", c.url), c.transport())
	if err != nil {
		return ServerVersion{}, fmt.Errorf("failed to connect to Odoo common endpoint: %w", err)
	}
	defer commonRPCClient.Close()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var reply map[string]interface{}
	if err := callWithContext(callCtx, commonRPCClient, "version", nil, &reply); err != nil {
		c.logger.Error("Failed to read Odoo server version", zap.Error(err), zap.String("op", "Version"))
		return ServerVersion{}, fmt.Errorf("version of %s: %w", c.name, err)
	}

	v := ServerVersion{}
	v.ServerVersion, _ = reply["server_version"].(string)
	v.ProtocolVer, _ = toInt64(reply["protocol_version"])
	return v, nil
}
