package godoo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of rows read per search_read round trip.
const DefaultPageSize = 100

// Find performs a search_read on model and returns normalized records.
//
// When Odoo rejects a field of the projection (typically a custom field that only
// exists on one of the two instances), the field is dropped and the same call is
// retried with the reduced projection. Every dropped field is logged.
//
// Parameters:
//   - ctx: The context for the request, enabling cancellation and timeouts.
//   - model: The Odoo model name (e.g., ModelProductTemplate).
//   - domain: The filter. Example: `godoo.Domain{{"active", "=", true}}`.
//   - fields: The projection; an empty projection returns every field.
//   - opts: Paging, ordering and the include-archived switch.
func (c *OdooClient) Find(ctx context.Context, model Model, domain Domain, fields Fields, opts FindOptions) ([]Record, error) {
	c.logger.Debug("Performing Odoo search_read",
		zap.String("model", string(model)),
		zap.Any("domain", domain.ToRPC()),
		zap.Strings("fields", fields),
		zap.Int("limit", opts.Limit),
		zap.Int("offset", opts.Offset),
		zap.Bool("include_archived", opts.IncludeArchived),
		zap.String("op", "Find"),
	)

	projection := fields
	for {
		raw, err := c.executeRPC(ctx, string(model), "search_read", []interface{}{domain.ToRPC()}, opts.toOptions(projection).ToRPC())
		var fieldErr *InvalidFieldError
		if errors.As(err, &fieldErr) && projection.Contains(fieldErr.Field) {
			c.logger.Warn("Odoo rejected a field of the projection, retrying without it",
				zap.String("model", string(model)),
				zap.String("field", fieldErr.Field),
				zap.String("op", "Find"),
			)
			projection = projection.Without(fieldErr.Field)
			continue
		}
		if err != nil {
			return nil, err
		}
		return decodeRecords(raw)
	}
}

// FindAll pages through every row matching domain in chunks of the client's page
// size, ordered by id. opts.Limit caps the total number of rows (0 = unlimited).
func (c *OdooClient) FindAll(ctx context.Context, model Model, domain Domain, fields Fields, opts FindOptions) ([]Record, error) {
	pageSize := c.pageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	order := opts.Order
	if order == "" {
		order = "id asc"
	}

	var all []Record
	offset := opts.Offset
	for {
		size := pageSize
		if opts.Limit > 0 {
			remaining := opts.Limit - len(all)
			if remaining <= 0 {
				break
			}
			if remaining < size {
				size = remaining
			}
		}

		page, err := c.Find(ctx, model, domain, fields, FindOptions{
			IncludeArchived: opts.IncludeArchived,
			Limit:           size,
			Offset:          offset,
			Order:           order,
		})
		if err != nil {
			return nil, fmt.Errorf("read %s page at offset %d: %w", model, offset, err)
		}
		all = append(all, page...)
		offset += len(page)
		if len(page) < size {
			break
		}
	}

	c.logger.Debug("Odoo paged read completed",
		zap.String("model", string(model)),
		zap.Int("records_count", len(all)),
		zap.String("op", "FindAll"),
	)
	return all, nil
}

// FindByIDs reads the given ids in chunks of pageSize. It is used for heavy
// projections (binary images) where a page must stay small.
func (c *OdooClient) FindByIDs(ctx context.Context, model Model, ids []int64, fields Fields, pageSize int, opts FindOptions) ([]Record, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	out := make([]Record, 0, len(ids))
	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		page, err := c.Find(ctx, model, Domain{{"id", "in", chunk}}, fields, FindOptions{IncludeArchived: opts.IncludeArchived})
		if err != nil {
			return nil, fmt.Errorf("read %s ids %d-%d: %w", model, start, end, err)
		}
		out = append(out, page...)
	}
	return out, nil
}

// Search returns the ids of the rows matching domain.
func (c *OdooClient) Search(ctx context.Context, model Model, domain Domain, opts FindOptions) ([]int64, error) {
	c.logger.Debug("Performing Odoo search",
		zap.String("model", string(model)),
		zap.Any("domain", domain.ToRPC()),
		zap.String("op", "Search"),
	)

	raw, err := c.executeRPC(ctx, string(model), "search", []interface{}{domain.ToRPC()}, opts.toOptions(nil).ToRPC())
	if err != nil {
		return nil, err
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: search on %s returned %T", ErrInvalidResponse, model, raw)
	}
	ids := make([]int64, 0, len(list))
	for _, v := range list {
		id, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: search on %s returned a non-integer id %v", ErrInvalidResponse, model, v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Create creates a single record and returns its id.
func (c *OdooClient) Create(ctx context.Context, model Model, data Data) (int64, error) {
	c.logger.Debug("Performing Odoo create",
		zap.String("model", string(model)),
		zap.Strings("fields", data.keys()),
		zap.String("op", "Create"),
	)

	raw, err := c.executeRPC(ctx, string(model), "create", []interface{}{data.ToRPC()}, nil)
	if err != nil {
		return 0, err
	}

	// Odoo answers an int for a single dict and a list for a list of dicts.
	id, ok := toInt64(raw)
	if !ok {
		if list, isList := raw.([]interface{}); isList && len(list) > 0 {
			id, ok = toInt64(list[0])
		}
	}
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: Odoo did not return an ID for %s creation", ErrInvalidResponse, model)
	}

	c.logger.Debug("Odoo create completed",
		zap.String("model", string(model)),
		zap.Int64("new_id", id),
		zap.String("op", "Create"),
	)
	return id, nil
}

// Update writes data on the given ids.
func (c *OdooClient) Update(ctx context.Context, model Model, ids []int64, data Data) error {
	c.logger.Debug("Performing Odoo update",
		zap.String("model", string(model)),
		zap.Int64s("ids", ids),
		zap.Strings("fields", data.keys()),
		zap.String("op", "Update"),
	)

	if len(ids) == 0 {
		return fmt.Errorf("godoo: no record IDs provided for update")
	}

	// Archived rows must stay writable, otherwise reactivation is impossible.
	kwargs := (&Options{Context: OdooContext{"active_test": false}}).ToRPC()
	raw, err := c.executeRPC(ctx, string(model), "write", []interface{}{ids, data.ToRPC()}, kwargs)
	if err != nil {
		return err
	}
	if ok, isBool := raw.(bool); isBool && !ok {
		return fmt.Errorf("%w: write on %s returned false", ErrInvalidResponse, model)
	}
	return nil
}

func decodeRecords(raw interface{}) ([]Record, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: search_read returned %T", ErrInvalidResponse, raw)
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		row, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: search_read row is %T", ErrInvalidResponse, item)
		}
		records = append(records, NewRecord(row))
	}
	return records, nil
}

func (d Data) keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}
