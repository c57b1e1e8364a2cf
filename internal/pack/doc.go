// Package pack groups hosts into accessibility packs and spreads them over
// schedulers.
//
// A pack is a set of hosts linked, directly or not, by parent relations,
// dependencies or business rules. All hosts of a pack must be scheduled by
// the same scheduler, so packs are the unit of distribution.
//
// Builder reads the object catalog and produces packs tagged with their
// realm:
//
//	builder := pack.NewBuilder(log)
//	packs := builder.Build(cat, tree, &rep)
//
// Distributor assigns the packs of one realm to that realm's schedulers with
// weighted round-robin, biggest packs first, and keeps hosts on the
// scheduler they had in the previous run whenever possible:
//
//	dist, err := distributor.Distribute("Europe", packs, schedulers)
package pack
