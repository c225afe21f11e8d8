package honeypot

// Record is the curated Parquet row for a flattened event.
type Record struct {
	UTCTime  *string `parquet:"utc_time,optional"`
	SrcHost  *string `parquet:"src_host,optional"`
	SrcPort  *string `parquet:"src_port,optional"`
	DstHost  *string `parquet:"dst_host,optional"`
	DstPort  *string `parquet:"dst_port,optional"`
	LogType  *string `parquet:"logtype,optional"`
	NodeID   *string `parquet:"node_id,optional"`
	Username *string `parquet:"username,optional"`
	Password *string `parquet:"password,optional"`
}

// RecordFrom maps a row with the given header onto Record by column name.
// Unknown columns are ignored and empty cells stay null.
func RecordFrom(header, row []string) *Record {
	get := func(name string) *string {
		for i, h := range header {
			if h == name && i < len(row) && row[i] != "" {
				v := row[i]
				return &v
			}
		}
		return nil
	}
	return &Record{
		UTCTime:  get("utc_time"),
		SrcHost:  get("src_host"),
		SrcPort:  get("src_port"),
		DstHost:  get("dst_host"),
		DstPort:  get("dst_port"),
		LogType:  get("logtype"),
		NodeID:   get("node_id"),
		Username: get("username"),
		Password: get("password"),
	}
}
