// Package plm connects the link-table cache to the Insteon modem bridge.
//
// The bridge process owns the serial link to the PowerLinc modem and talks
// to Gray Logic over MQTT. This package provides:
//   - Client: reads and writes link-table records through request/response
//     topics; it implements aldb.RecordSource and aldb.Writer
//   - Publisher: mirrors change notifications, load status and the fleet
//     link topology to state topics
//
// MQTT Topics:
//
//	graylogic/request/insteon/{request_id}     Core → Bridge   read/write one record
//	graylogic/response/insteon/{request_id}    Bridge → Core   result of a request
//	graylogic/state/insteon/{device}/aldb      Core → *        one change notification
//	graylogic/state/insteon/{device}/aldb_status  (retained)   load status
//	graylogic/state/insteon/links              (retained)      derived topology
//
// Records travel in their on-device layout, hex encoded:
//
//	0FFF E2 01 1A2B3C FF1F01
//	slot flags group peer data
//
// A request that gets no answer is retried; when every attempt times out
// the read surfaces as aldb.ErrTransportFault and the load keeps whatever
// it already applied.
package plm
