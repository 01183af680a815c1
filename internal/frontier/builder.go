package frontier

import "github.com/JakeFAU/delta-crawler/internal/crawler"

// Builder assembles a crawler.Frontier from rows ordered by site, partition,
// and insertion order. SQL-backed stores use it to build snapshots.
type Builder struct {
	sites []crawler.SiteSnapshot
	index map[string]int
}

// NewBuilder seeds the builder with registered sites so empty ones still appear.
func NewBuilder(sites []crawler.Site) *Builder {
	b := &Builder{index: make(map[string]int, len(sites))}
	for _, s := range sites {
		b.index[s.BaseURL] = len(b.sites)
		b.sites = append(b.sites, crawler.SiteSnapshot{Site: s})
	}
	return b
}

// Add appends url to its partition's set.
func (b *Builder) Add(site string, p crawler.Partition, url string, state crawler.URLState) {
	i, ok := b.index[site]
	if !ok {
		i = len(b.sites)
		b.index[site] = i
		b.sites = append(b.sites, crawler.SiteSnapshot{Site: crawler.Site{BaseURL: site}})
	}
	ss := &b.sites[i]
	var part *crawler.PartitionSnapshot
	for j := range ss.Partitions {
		if ss.Partitions[j].Partition == p {
			part = &ss.Partitions[j]
			break
		}
	}
	if part == nil {
		ss.Partitions = append(ss.Partitions, crawler.PartitionSnapshot{Partition: p})
		part = &ss.Partitions[len(ss.Partitions)-1]
	}
	switch state {
	case crawler.StatePending:
		part.Pending = append(part.Pending, url)
	case crawler.StateInFlight:
		part.InFlight = append(part.InFlight, url)
	case crawler.StateCompleted:
		part.Completed = append(part.Completed, url)
	case crawler.StateFailed:
		part.Failed = append(part.Failed, url)
	}
}

// Frontier returns the assembled snapshot.
func (b *Builder) Frontier() crawler.Frontier {
	return crawler.Frontier{Sites: b.sites}
}
