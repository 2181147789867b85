/*Package interval implements interval-union operations for sets of genomic
  coordinates read from BED files, and parses region strings.
  Overlapping and touching intervals are merged, not tracked separately. It
  assumes every position fits in a PosType, which is int32 since that is
  what the site stream stores.
*/
package interval
