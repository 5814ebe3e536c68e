// Package pagination tracks where each category stands in the upstream's
// paginated result list.
//
// A category's progress counter maps onto a stored page and an offset inside
// it:
//
//	index  = counter / pageSize
//	offset = counter % pageSize
//
// Pages are fetched lazily and strictly in order. When the page covering the
// counter is not stored yet, the Resolver follows the "next" link of the
// previous page, after pinning its max-rank filter to the category (the
// upstream returns those links with an empty max-rank, which would widen the
// query to every rank above the category).
//
// Example usage:
//
//	resolver := pagination.NewResolver(st, apiClient, 200, logger)
//	res, err := resolver.Resolve(ctx, "gold-2", 437) // page 2, offset 37
//	if err != nil {
//		// corrupted or missing state
//	}
//	switch res.Status {
//	case pagination.StatusResolved:
//		item, ok := res.Page.Item(res.Offset)
//	case pagination.StatusNoMorePages, pagination.StatusTransient:
//		// try again next cycle
//	}
package pagination
