// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testutil

import (
	"fmt"
	"path"
)

const ovfTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<ovf:Envelope xmlns:ovf="http://schemas.dmtf.org/ovf/envelope/1/"
  xmlns:rasd="http://schemas.dmtf.org/wbem/wscim/1/cim-schema/2/CIM_ResourceAllocationSettingData"
  xmlns:vssd="http://schemas.dmtf.org/wbem/wscim/1/cim-schema/2/CIM_VirtualSystemSettingData"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" ovf:version="3.2.0.0">
  <References>
    <File ovf:href="%[1]s" ovf:id="%[2]s" ovf:size="10737418240" ovf:description="Active VM"/>
  </References>
  <Section xsi:type="ovf:NetworkSection_Type">
    <Info>List of networks</Info>
    <Network ovf:name="Network 1"/>
  </Section>
  <Section xsi:type="ovf:DiskSection_Type">
    <Info>List of Virtual Disks</Info>
    <Disk ovf:diskId="%[2]s" ovf:size="10" ovf:actual_size="2" ovf:fileRef="%[1]s" ovf:volume-format="COW" ovf:volume-type="Sparse" ovf:disk-interface="VirtIO" ovf:boot="true"/>
  </Section>
  <Content ovf:id="out" xsi:type="ovf:VirtualSystem_Type">
    <Name>test-vm</Name>
    <Section xsi:type="ovf:VirtualHardwareSection_Type">
      <Item>
        <rasd:Caption>Drive 1</rasd:Caption>
        <rasd:InstanceId>%[2]s</rasd:InstanceId>
        <rasd:ResourceType>17</rasd:ResourceType>
        <rasd:HostResource>%[1]s</rasd:HostResource>
        <rasd:StorageId>%[3]s</rasd:StorageId>
        <rasd:StoragePoolId>%[4]s</rasd:StoragePoolId>
      </Item>
    </Section>
  </Content>
</ovf:Envelope>
`

const metadataTemplate = `DOMAIN=%[1]s
VOLTYPE=LEAF
CTIME=1379577603
FORMAT=COW
IMAGE=%[2]s
DISKTYPE=2
PUUID=00000000-0000-0000-0000-000000000000
LEGALITY=LEGAL
MTIME=1379577603
POOL_UUID=
SIZE=20971520
TYPE=SPARSE
DESCRIPTION=Active VM
EOF
`

// NewOVF returns a manifest referencing imageRef, whose disk lives on the storage domain sdID of the datacenter
// dcID.
func NewOVF(imageRef, sdID, dcID string) string {
	return fmt.Sprintf(ovfTemplate, imageRef, path.Base(imageRef), sdID, dcID)
}

// NewMetadata returns a disk-image metadata file tagged with the storage domain sdID.
func NewMetadata(sdID, imageGroup string) string {
	return fmt.Sprintf(metadataTemplate, sdID, imageGroup)
}
