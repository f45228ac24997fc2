package sqlinline

const QListVariationsByBaseImage = `--sql 9e9e7d13-3bb4-47d5-96eb-d581d5904f79
select
  v.id,
  v.batch_id,
  v.variation_number,
  v.status,
  coalesce(v.storage_key, ''),
  coalesce(v.thumbnail_key, ''),
  v.prompt_json,
  v.created_at,
  v.updated_at
from variations v
join batches b on b.id = v.batch_id
where b.user_id = $1::uuid
  and (b.original_base_image_id = $2::uuid or v.id = $2::uuid)
order by v.created_at desc, v.variation_number asc
limit $3::int offset $4::int;
`

const QListVariationsByBatch = `--sql 8c928e71-30c9-45d5-bd6d-943edd99917b
select
  id,
  batch_id,
  variation_number,
  status,
  coalesce(storage_key, ''),
  coalesce(thumbnail_key, ''),
  prompt_json,
  created_at,
  updated_at
from variations
where batch_id = $1::uuid
order by variation_number asc;
`

const QUpdateVariationResult = `--sql e784d69a-6442-4a0a-bc55-15bae800dd23
update variations
set status = $2::text,
    storage_key = nullif($3::text, ''),
    thumbnail_key = nullif($4::text, ''),
    prompt_json = coalesce($5::jsonb, prompt_json),
    updated_at = now()
where id = $1::uuid
  and status = 'PROCESSING';
`

const QSelectVariation = `--sql 2f91aad0-7af2-4f99-bb33-673597bc29ae
select
  v.id,
  v.batch_id,
  v.variation_number,
  v.status,
  coalesce(v.storage_key, ''),
  coalesce(v.thumbnail_key, ''),
  v.prompt_json
from variations v
where v.id = $1::uuid
limit 1;
`
